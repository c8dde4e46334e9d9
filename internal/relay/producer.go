package relay

import (
	"log"
	"time"

	"tiflis-relay-lite/internal/model"
	"tiflis-relay-lite/internal/wire"
)

// PublishTerminal appends one chunk of terminal output to the session's
// durable log and fans it out to current subscribers. Each chunk is its
// own complete row, so replay boundaries fall between chunks.
func (s *Server) PublishTerminal(sessionID, content string) (int64, error) {
	stored, err := s.store.Append(sessionID, model.Message{
		Role:     model.RoleAssistant,
		Blocks:   []model.ContentBlock{{Type: model.BlockText, Text: content}},
		Complete: true,
	})
	if err != nil {
		return 0, err
	}

	s.bcast.BroadcastToSubscribers(sessionID, wire.SessionOutput{
		SessionID:   sessionID,
		ContentType: wire.ContentTerminal,
		Content:     content,
		Sequence:    stored.Seq,
		IsComplete:  true,
		Timestamp:   stored.CreatedAt,
	})
	return stored.Seq, nil
}

// PublishChatChunk records agent chat output. The first chunk of a turn
// opens a streaming message whose id and sequence stay fixed; later
// chunks replace its blocks wholesale; complete freezes it into history.
// Devices joining mid-stream get the current blocks from the subscribe
// payload and converge on the same message.
func (s *Server) PublishChatChunk(sessionID string, blocks []model.ContentBlock, complete bool) (model.Message, error) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	streamingID, _, _ := s.sessions.StreamState(sessionID)

	if streamingID == "" {
		opened, err := s.store.OpenStreaming(sessionID, model.RoleAssistant, blocks)
		if err != nil {
			return model.Message{}, err
		}
		if complete {
			return s.finishStream(sessionID, opened.ID, blocks)
		}
		if prev := s.sessions.BeginStream(sessionID, opened.ID, blocks); prev != "" {
			log.Printf("relay: session %s had streaming message %s still open, replaced by %s", sessionID, prev, opened.ID)
		}
		s.noteStreamSeq(sessionID, opened.Seq)
		s.fanoutChunk(sessionID, opened.ID, opened.Seq, blocks, false)
		return opened, nil
	}

	if complete {
		return s.finishStream(sessionID, streamingID, blocks)
	}

	if err := s.store.UpdateStreaming(sessionID, streamingID, blocks); err != nil {
		return model.Message{}, err
	}
	s.sessions.UpdateStream(sessionID, blocks)
	seq := s.streamSeqFor(sessionID)
	s.fanoutChunk(sessionID, streamingID, seq, blocks, false)
	return model.Message{
		ID:        streamingID,
		SessionID: sessionID,
		Seq:       seq,
		Role:      model.RoleAssistant,
		Blocks:    blocks,
	}, nil
}

func (s *Server) finishStream(sessionID, streamingID string, blocks []model.ContentBlock) (model.Message, error) {
	final, err := s.store.FinalizeStreaming(sessionID, streamingID, blocks)
	if err != nil {
		return model.Message{}, err
	}
	s.sessions.EndStream(sessionID)
	s.clearStreamSeq(sessionID)
	s.fanoutChunk(sessionID, streamingID, final.Seq, blocks, true)
	return final, nil
}

func (s *Server) noteStreamSeq(sessionID string, seq int64) {
	s.streamMu.Lock()
	s.streamSeqs[sessionID] = seq
	s.streamMu.Unlock()
}

func (s *Server) streamSeqFor(sessionID string) int64 {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streamSeqs[sessionID]
}

func (s *Server) clearStreamSeq(sessionID string) {
	s.streamMu.Lock()
	delete(s.streamSeqs, sessionID)
	s.streamMu.Unlock()
}

func (s *Server) fanoutChunk(sessionID, streamingID string, seq int64, blocks []model.ContentBlock, complete bool) {
	s.bcast.BroadcastToSubscribers(sessionID, wire.SessionOutput{
		SessionID:          sessionID,
		ContentType:        wire.ContentChat,
		Blocks:             blocks,
		Sequence:           seq,
		IsComplete:         complete,
		StreamingMessageID: streamingID,
		Timestamp:          time.Now().UnixMilli(),
	})
}

// SetExecuting flips the session's busy flag shown to subscribers.
func (s *Server) SetExecuting(sessionID string, executing bool) {
	s.sessions.SetExecuting(sessionID, executing)
}

// AnnounceOnline tells every connected device the workstation is up.
func (s *Server) AnnounceOnline() {
	s.bcast.BroadcastToAll(wire.WorkstationOnline{TunnelID: s.tunnelID})
}

// AnnounceOffline is sent best-effort during shutdown.
func (s *Server) AnnounceOffline() {
	s.bcast.BroadcastToAll(wire.WorkstationOffline{TunnelID: s.tunnelID})
}
