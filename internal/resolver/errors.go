package resolver

import "errors"

var ErrInvalidPolicy = errors.New("invalid resolution policy")
