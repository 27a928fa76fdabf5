package broker

import "errors"

// ErrClosed is returned by operations attempted after Close has
// completed. The broker is terminal at that point, the way a closed
// event broker rejects further Publish/Subscribe calls.
var ErrClosed = errors.New("broker: closed")
