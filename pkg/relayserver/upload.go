package relayserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/bus"
	"github.com/robit-man/hydra-sub001/pkg/protocol"
)

// uploadState is the reassembly record for one chunked upload, kept in the
// session store so abandoned transfers expire on their own. The descriptor
// is carried as JSON bytes; it arrives with begin and again on chunk 1.
type uploadState struct {
	Desc        []byte         `cbor:"d,omitempty"`
	ContentType string         `cbor:"ct,omitempty"`
	Parts       map[int]string `cbor:"p"`
	Total       int            `cbor:"t,omitempty"`
	Started     bool           `cbor:"s,omitempty"`
	Done        bool           `cbor:"dn,omitempty"`
}

func uploadKey(id string) string { return "up:" + id }

// handleUpload advances one upload session. Sessions are created lazily by
// whichever envelope arrives first: begin is transmitted redundantly and
// chunk 1 re-embeds the descriptor, so any single survivor suffices to
// anchor the transfer.
func (s *Server) handleUpload(from bus.Address, env *protocol.Envelope) {
	s.upMu.Lock()
	st, ok := s.loadUpload(env.ID)
	if !ok {
		st = &uploadState{Parts: make(map[int]string)}
	}
	if st.Done {
		// completed transfer; stragglers must not rebuild a session. A lone
		// duplicate of chunk 1 carries enough (descriptor and count) to pass
		// the completion check again for tiny uploads, so this tombstone is
		// what keeps the upstream call single-shot.
		s.upMu.Unlock()
		return
	}

	switch env.Event {
	case protocol.EventUploadBegin:
		// duplicate begins are expected redundancy
		if !st.Started {
			st.Started = true
			if env.Req != nil {
				if d, err := json.Marshal(env.Req); err == nil {
					st.Desc = d
				}
			}
			if env.ContentType != "" {
				st.ContentType = env.ContentType
			}
			if env.TotalChunks > 0 && st.Total == 0 {
				st.Total = env.TotalChunks
			}
		}
	case protocol.EventUploadChunk:
		if env.Seq <= 0 || env.B64 == "" {
			s.upMu.Unlock()
			return
		}
		st.Parts[env.Seq] = env.B64
		if env.Total > 0 && st.Total == 0 {
			// chunks carry the count too, so a lost end envelope cannot
			// strand an otherwise complete upload
			st.Total = env.Total
		}
		if env.Seq == 1 && env.Req != nil && len(st.Desc) == 0 {
			if d, err := json.Marshal(env.Req); err == nil {
				st.Desc = d
			}
			if env.ContentType != "" && st.ContentType == "" {
				st.ContentType = env.ContentType
			}
		}
	case protocol.EventUploadEnd:
		if env.Total > 0 {
			st.Total = env.Total
		}
	}

	if st.Total > 0 && len(st.Desc) > 0 {
		if missing := uploadGaps(st); len(missing) == 0 {
			s.saveUpload(env.ID, &uploadState{Done: true})
			s.upMu.Unlock()
			go s.executeUpload(from, env.ID, st)
			return
		} else if env.Event == protocol.EventUploadEnd && (st.Started || len(st.Parts) > 0) {
			// only the end envelope triggers a gap report; chunks still in
			// flight would otherwise cause spurious resend rounds. A bare
			// end with no session behind it (late duplicate after the
			// transfer completed) reports nothing.
			s.pushControl(from, env.ID, &protocol.Envelope{
				Event: protocol.EventUploadMissing, ID: env.ID,
				UploadID: env.ID, Missing: missing,
			})
		}
	}
	s.saveUpload(env.ID, st)
	s.upMu.Unlock()
}

func (s *Server) loadUpload(id string) (*uploadState, bool) {
	data, ok := s.store.Get(uploadKey(id))
	if !ok {
		return nil, false
	}
	var st uploadState
	if err := s.state.Unmarshal(data, &st); err != nil {
		s.log.Error("decode upload state", zap.String("id", id), zap.Error(err))
		s.store.Delete(uploadKey(id))
		return nil, false
	}
	if st.Parts == nil {
		st.Parts = make(map[int]string)
	}
	return &st, true
}

func (s *Server) saveUpload(id string, st *uploadState) {
	data, err := s.state.Marshal(st)
	if err != nil {
		s.log.Error("encode upload state", zap.String("id", id), zap.Error(err))
		return
	}
	if !s.store.Set(uploadKey(id), data, s.opts.SessionTTL) {
		s.log.Warn("upload state rejected by store", zap.String("id", id))
	}
}

// uploadGaps lists the sequence numbers absent from 1..Total.
func uploadGaps(st *uploadState) []int {
	var missing []int
	for i := 1; i <= st.Total; i++ {
		if _, ok := st.Parts[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// executeUpload reassembles the body and performs the call, streaming the
// result back under the same id. The session record is already tombstoned,
// so straggling duplicates cannot run this twice.
func (s *Server) executeUpload(from bus.Address, id string, st *uploadState) {
	var joined bytes.Buffer
	for i := 1; i <= st.Total; i++ {
		joined.WriteString(st.Parts[i])
	}
	body, err := base64.StdEncoding.DecodeString(joined.String())
	if err != nil {
		s.log.Debug("upload body does not decode", zap.String("id", id), zap.Error(err))
		s.uploadFailed(from, id, "upload body does not decode")
		return
	}
	var desc protocol.RequestDescriptor
	if err := json.Unmarshal(st.Desc, &desc); err != nil || desc.Validate() != nil {
		s.uploadFailed(from, id, "upload descriptor invalid")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), desc.Timeout(s.opts.DefaultTimeout))
	defer cancel()
	resp, err := s.doHTTP(ctx, &desc, bytes.NewReader(body), st.ContentType)
	if err != nil {
		s.log.Debug("upload upstream call failed", zap.String("id", id), zap.Error(err))
		s.uploadFailed(from, id, "upstream: "+err.Error())
		return
	}
	defer resp.Body.Close()

	// the uploader listens on a stream session, so the reply always goes
	// back as begin/chunk/end regardless of size
	s.pushControl(from, id, &protocol.Envelope{
		Event: protocol.EventResponseBegin, ID: id,
		OK: protocol.BoolPtr(true), Status: resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
	})
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}
	total := s.streamBodyChunks(from, id, resp.Body)
	s.pushControl(from, id, &protocol.Envelope{
		Event: protocol.EventResponseEnd, ID: id, Total: total,
	})
}

func (s *Server) uploadFailed(from bus.Address, id, msg string) {
	s.pushControl(from, id, &protocol.Envelope{
		Event: protocol.EventResponseBegin, ID: id,
		OK: protocol.BoolPtr(false), Status: 502, Error: msg,
	})
}
