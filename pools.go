package revdb

import "sync"

var recordBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 65536)
	},
}

func releaseRecordBytes(b []byte) {
	if cap(b) > 1<<20 {
		return
	}
	recordBytesPool.Put(b[:0])
}
