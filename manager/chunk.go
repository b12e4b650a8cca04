package manager

import (
	"context"
	"encoding/json"
	"runtime"

	"github.com/abdelmounim-dev/workspace-pooler/metrics"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

const chunkSampleSize = 10

// estimateItemSize is the average JSON size of the first few docs, rounded up.
func estimateItemSize(docs []protocol.Doc) int {
	n := min(len(docs), chunkSampleSize)
	if n == 0 {
		return 0
	}
	total := 0
	for _, d := range docs[:n] {
		b, err := json.Marshal(d)
		if err != nil {
			continue
		}
		total += len(b)
	}
	return (total + n - 1) / n
}

// splitChunks cuts docs into ceil(len*avg/budget) contiguous parts of
// near-equal length. A result that fits the budget comes back as one part.
func splitChunks(docs []protocol.Doc, budget int) [][]protocol.Doc {
	n := len(docs)
	if n == 0 || budget <= 0 {
		return [][]protocol.Doc{docs}
	}
	size := n * estimateItemSize(docs)
	frames := (size + budget - 1) / budget
	if frames <= 1 {
		return [][]protocol.Doc{docs}
	}
	frames = min(frames, n)

	parts := make([][]protocol.Doc, 0, frames)
	base, extra := n/frames, n%frames
	off := 0
	for i := 0; i < frames; i++ {
		l := base
		if i < extra {
			l++
		}
		parts = append(parts, docs[off:off+l])
		off += l
	}
	return parts
}

// sendChunked writes parts as successive frames of one response. Only the
// final frame carries Total and LookupMap. A socket that closes mid-stream
// ends the send quietly.
func (m *Manager) sendChunked(ctx context.Context, e *sessionEntry, req *protocol.Request, fr *protocol.FindResult, parts [][]protocol.Doc) error {
	for i, part := range parts {
		if e.socket.IsClosed() {
			m.log.Debug().Str("session", e.session.ID).Int("sent", i).Int("frames", len(parts)).
				Msg("socket closed during chunked send")
			return nil
		}
		final := i == len(parts)-1
		chunk := &protocol.FindResult{Docs: part}
		if final {
			chunk.Total = fr.Total
			chunk.LookupMap = fr.LookupMap
		}
		if _, err := m.sendTo(ctx, e, &protocol.Response{
			ID:     req.ID,
			Result: chunk,
			Chunk:  &protocol.ChunkInfo{Index: i, Final: final},
		}); err != nil {
			if e.socket.IsClosed() {
				return nil
			}
			return err
		}
		metrics.ChunkFrames.Inc()
		runtime.Gosched()
	}
	return nil
}
