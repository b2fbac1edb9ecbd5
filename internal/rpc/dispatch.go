package rpc

import (
	"context"
	"encoding/json"

	"ember-chat/go-node/pkg/models"
)

type identityView struct {
	PeerID    string `json:"peerId"`
	DisplayID string `json:"displayId"`
	PublicKey []byte `json:"publicKey"`
}

type contactView struct {
	PeerID    string `json:"peerId"`
	DisplayID string `json:"displayId"`
	Connected bool   `json:"connected"`
	Verified  bool   `json:"verified"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

type messageView struct {
	ID             string `json:"id"`
	PeerID         string `json:"peerId"`
	Content        string `json:"content"`
	Direction      string `json:"direction"`
	Timestamp      int64  `json:"timestamp"`
	IsSelfDestruct bool   `json:"isSelfDestruct"`
	SelfDestructID string `json:"selfDestructId,omitempty"`
}

func viewIdentity(id models.Identity) identityView {
	return identityView{PeerID: id.PeerID, DisplayID: id.DisplayID, PublicKey: id.PublicKey}
}

func viewContact(c models.Contact) contactView {
	v := contactView{
		PeerID:    c.PeerID,
		DisplayID: c.DisplayID,
		Connected: c.Connected,
		Verified:  c.Verified,
	}
	if !c.LastSeen.IsZero() {
		v.LastSeen = c.LastSeen.UnixMilli()
	}
	return v
}

func viewMessage(m models.Message) messageView {
	return messageView{
		ID:             m.ID,
		PeerID:         m.ContactID,
		Content:        string(m.Content),
		Direction:      m.Direction,
		Timestamp:      m.Timestamp.UnixMilli(),
		IsSelfDestruct: m.IsSelfDestruct,
		SelfDestructID: m.SelfDestructID,
	}
}

func (s *Server) dispatch(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil

	case "identity_get":
		id, ok := s.service.Identity()
		if !ok {
			return map[string]any{"identity": nil}, nil
		}
		return map[string]any{"identity": viewIdentity(id)}, nil

	case "identity_generate":
		id, mnemonic, err := s.service.GenerateIdentity()
		if err != nil {
			return nil, mapServiceError(err)
		}
		return map[string]any{"identity": viewIdentity(id), "mnemonic": mnemonic}, nil

	case "identity_import":
		var params struct {
			Mnemonic string `json:"mnemonic"`
		}
		if err := json.Unmarshal(rawParams, &params); err != nil || params.Mnemonic == "" {
			return nil, invalidParams()
		}
		id, err := s.service.ImportIdentity(params.Mnemonic)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return map[string]any{"identity": viewIdentity(id)}, nil

	case "peer_connect":
		var params struct {
			PeerID string `json:"peerId"`
		}
		if err := json.Unmarshal(rawParams, &params); err != nil || params.PeerID == "" {
			return nil, invalidParams()
		}
		if err := s.service.ConnectToPeer(ctx, params.PeerID); err != nil {
			return nil, mapServiceError(err)
		}
		return map[string]bool{"connected": true}, nil

	case "message_send":
		var params struct {
			PeerID       string  `json:"peerId"`
			Text         string  `json:"text"`
			SelfDestruct bool    `json:"selfDestruct"`
			TTLHours     float64 `json:"ttlHours"`
		}
		if err := json.Unmarshal(rawParams, &params); err != nil || params.PeerID == "" || params.Text == "" {
			return nil, invalidParams()
		}
		msg, err := s.service.SendMessage(ctx, params.PeerID, params.Text, params.SelfDestruct, params.TTLHours)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return map[string]any{"message": viewMessage(msg)}, nil

	case "message_list":
		var params struct {
			PeerID string `json:"peerId"`
		}
		if err := json.Unmarshal(rawParams, &params); err != nil || params.PeerID == "" {
			return nil, invalidParams()
		}
		messages := s.service.Messages(params.PeerID)
		views := make([]messageView, 0, len(messages))
		for _, m := range messages {
			views = append(views, viewMessage(m))
		}
		return map[string]any{"messages": views}, nil

	case "self_destruct_decrypt":
		var params struct {
			MessageID string `json:"messageId"`
		}
		if err := json.Unmarshal(rawParams, &params); err != nil || params.MessageID == "" {
			return nil, invalidParams()
		}
		msg, err := s.service.DecryptSelfDestruct(params.MessageID)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return map[string]any{"message": viewMessage(msg)}, nil

	case "contact_list":
		contacts := s.service.Contacts()
		views := make([]contactView, 0, len(contacts))
		for _, c := range contacts {
			views = append(views, viewContact(c))
		}
		return map[string]any{"contacts": views}, nil

	case "contact_destroy":
		var params struct {
			PeerID string `json:"peerId"`
		}
		if err := json.Unmarshal(rawParams, &params); err != nil || params.PeerID == "" {
			return nil, invalidParams()
		}
		if err := s.service.DestroyContact(ctx, params.PeerID); err != nil {
			return nil, mapServiceError(err)
		}
		return map[string]bool{"destroyed": true}, nil

	case "destroy_everything":
		if err := s.service.DestroyEverything(ctx); err != nil {
			return nil, mapServiceError(err)
		}
		return map[string]bool{"destroyed": true}, nil

	case "events_poll":
		var params struct {
			FromSeq int64 `json:"fromSeq"`
		}
		if len(rawParams) > 0 {
			if err := json.Unmarshal(rawParams, &params); err != nil {
				return nil, invalidParams()
			}
		}
		replay, _, cancel := s.service.Subscribe(params.FromSeq)
		cancel()
		return map[string]any{"events": replay}, nil

	default:
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	}
}

func invalidParams() *rpcError {
	return &rpcError{Code: -32602, Message: "invalid params"}
}
