package relay

import "errors"

// Error taxonomy. These sentinels enable consistent logs and retry rules.
var (
	ErrTransform      = errors.New("transform error")
	ErrEncode         = errors.New("encode error")
	ErrRecordTooLarge = errors.New("record exceeds size limit")
	ErrSinkWrite      = errors.New("sink write error")
	ErrDeadLetter     = errors.New("dead letter error")
	ErrAck            = errors.New("ack error")
)
