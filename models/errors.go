package models

import "errors"

// ErrParse marks a malformed upstream record. The offending record is
// logged and dropped; it never touches the dedup cache.
var ErrParse = errors.New("malformed fill record")
