package operator

import "errors"

var ErrUnsupportedOperator = errors.New("unsupported operator")
