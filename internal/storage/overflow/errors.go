package overflow

import "errors"

// ErrOverLargeValue is returned by WriteString when a value exceeds
// MaxStringLen and the overflow file was opened without truncation enabled.
var ErrOverLargeValue = errors.New("overflow: value exceeds maximum overflow string length")
