package protocol

import (
	"bytes"
	"sync"
)

// Typical command is well below 256 bytes; storage commands grow the buffer
// to fit their payload.
const initialBufferSize = 256

// Buffers larger than this are dropped instead of pooled so one large value
// does not pin memory.
const maxPooledBufferSize = 64 << 10

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, initialBufferSize))
	},
}

func getBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}
