// Package collab binds the relay hub to the workspace store: it implements
// the server side of the sync protocol, including the permission gate and
// voice signaling relay.
package collab

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nodeweave/nodeweave/internal/protocol"
	"github.com/nodeweave/nodeweave/internal/relay"
	"github.com/nodeweave/nodeweave/internal/workspace"
)

// Service wires protocol handlers onto a hub. The hub serializes all
// membership changes and each inbound frame is handled to completion, so
// store mutation plus rebroadcast is atomic per event.
type Service struct {
	store  *workspace.Store
	logger *zap.Logger
}

// NewService creates the collaboration service.
func NewService(store *workspace.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// Register installs all protocol handlers and lifecycle callbacks.
func (s *Service) Register(hub *relay.Hub) {
	hub.OnConnect(func(ctx context.Context, c *relay.Client) { s.handleJoin(hub, c) })
	hub.OnDisconnect(func(ctx context.Context, c *relay.Client) { s.handleLeave(hub, c) })

	hub.RegisterHandler(protocol.EventSetIdentity, s.wrap(hub, s.handleSetIdentity))
	hub.RegisterHandler(protocol.EventCursorMove, s.wrap(hub, s.handleCursorMove))
	hub.RegisterHandler(protocol.EventEditAccessChange, s.wrap(hub, s.handleEditAccessChange))
	hub.RegisterHandler(protocol.EventStateDelta, s.wrap(hub, s.handleStateDelta))
	hub.RegisterHandler(protocol.EventVoiceJoin, s.wrap(hub, s.handleVoicePresence(protocol.EventVoiceJoin)))
	hub.RegisterHandler(protocol.EventVoiceLeave, s.wrap(hub, s.handleVoicePresence(protocol.EventVoiceLeave)))
	hub.RegisterHandler(protocol.EventVoiceOffer, s.wrap(hub, s.handleVoiceSignal(protocol.EventVoiceOffer)))
	hub.RegisterHandler(protocol.EventVoiceAnswer, s.wrap(hub, s.handleVoiceSignal(protocol.EventVoiceAnswer)))
	hub.RegisterHandler(protocol.EventVoiceICE, s.wrap(hub, s.handleVoiceSignal(protocol.EventVoiceICE)))
}

type handlerFunc func(hub *relay.Hub, client *relay.Client, data json.RawMessage) error

func (s *Service) wrap(hub *relay.Hub, fn handlerFunc) relay.MessageHandler {
	return func(ctx context.Context, client *relay.Client, message *relay.Message) error {
		return fn(hub, client, message.Data)
	}
}

// handleJoin runs when a connection is registered into its room: the
// session becomes a workspace member (owner when first), receives the
// one-time snapshot, and the room learns the new member list.
func (s *Service) handleJoin(hub *relay.Hub, client *relay.Client) {
	snap, becameOwner := s.store.Join(client.WorkspaceID, client.SessionID, "", "")

	if err := client.Send(&relay.Message{
		Type: protocol.EventInitialState,
		Payload: protocol.InitialState{
			WorkspaceID:            snap.WorkspaceID,
			SessionID:              client.SessionID,
			JSONText:               snap.JSONText,
			Graph:                  snap.Graph,
			UIFlags:                snap.UIFlags,
			Members:                snap.Members,
			OwnerSessionID:         snap.OwnerSessionID,
			AllowCollaboratorEdits: snap.AllowCollaboratorEdits,
		},
	}); err != nil {
		s.logger.Warn("snapshot send failed",
			zap.String("session", client.SessionID), zap.Error(err))
	}

	hub.BroadcastToRoomExcept(client.WorkspaceID, &relay.Message{
		Type: protocol.EventMemberListChanged,
		Payload: protocol.MemberListChanged{
			Members:        snap.Members,
			OwnerSessionID: snap.OwnerSessionID,
		},
	}, client)

	if becameOwner {
		s.logger.Info("owner assigned",
			zap.String("workspace", client.WorkspaceID),
			zap.String("session", client.SessionID))
	}
}

// handleLeave removes the member and, when ownership moved, tells every
// remaining member so former collaborators re-evaluate their edit rights.
func (s *Service) handleLeave(hub *relay.Hub, client *relay.Client) {
	result := s.store.Leave(client.WorkspaceID, client.SessionID)
	if !result.Removed {
		return
	}

	hub.BroadcastToRoom(client.WorkspaceID, &relay.Message{
		Type:    protocol.EventMemberLeft,
		Payload: protocol.MemberLeft{SessionID: client.SessionID},
	})
	hub.BroadcastToRoom(client.WorkspaceID, &relay.Message{
		Type: protocol.EventMemberListChanged,
		Payload: protocol.MemberListChanged{
			Members:        result.Members,
			OwnerSessionID: result.OwnerSessionID,
		},
	})

	if result.OwnerChanged {
		_, allow, ok := s.store.Permissions(client.WorkspaceID)
		if ok {
			hub.BroadcastToRoom(client.WorkspaceID, &relay.Message{
				Type: protocol.EventPermissionsChanged,
				Payload: protocol.PermissionsChanged{
					OwnerSessionID:         result.OwnerSessionID,
					AllowCollaboratorEdits: allow,
				},
			})
		}
	}
}

func (s *Service) handleSetIdentity(hub *relay.Hub, client *relay.Client, data json.RawMessage) error {
	var req protocol.SetIdentity
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("set-identity payload: %w", err)
	}

	members, ok := s.store.SetIdentity(client.WorkspaceID, client.SessionID, req.Name, req.Color)
	if !ok {
		return nil
	}

	owner, _, _ := s.store.Permissions(client.WorkspaceID)
	hub.BroadcastToRoom(client.WorkspaceID, &relay.Message{
		Type: protocol.EventMemberListChanged,
		Payload: protocol.MemberListChanged{
			Members:        members,
			OwnerSessionID: owner,
		},
	})
	return nil
}

func (s *Service) handleCursorMove(hub *relay.Hub, client *relay.Client, data json.RawMessage) error {
	var req protocol.CursorMove
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("cursor-move payload: %w", err)
	}

	s.store.SetCursor(client.WorkspaceID, client.SessionID, workspace.Cursor{X: req.X, Y: req.Y})

	hub.BroadcastToRoomExcept(client.WorkspaceID, &relay.Message{
		Type: protocol.EventCursorUpdate,
		Payload: protocol.CursorUpdate{
			SessionID: client.SessionID,
			X:         req.X,
			Y:         req.Y,
			Name:      req.Name,
			Color:     req.Color,
		},
	}, client)
	return nil
}

// handleEditAccessChange flips collaborator edit rights. The store ignores
// the request unless it comes from the current owner; a rejected request
// produces no reply at all.
func (s *Service) handleEditAccessChange(hub *relay.Hub, client *relay.Client, data json.RawMessage) error {
	var req protocol.EditAccessChange
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("edit-access payload: %w", err)
	}

	if !s.store.SetEditAccess(client.WorkspaceID, client.SessionID, req.Allow) {
		return nil
	}

	owner, allow, _ := s.store.Permissions(client.WorkspaceID)
	hub.BroadcastToRoom(client.WorkspaceID, &relay.Message{
		Type: protocol.EventPermissionsChanged,
		Payload: protocol.PermissionsChanged{
			OwnerSessionID:         owner,
			AllowCollaboratorEdits: allow,
		},
	})
	return nil
}

// handleStateDelta applies the permission-gated field subset and
// rebroadcasts only what was accepted, excluding the sender.
func (s *Service) handleStateDelta(hub *relay.Hub, client *relay.Client, data json.RawMessage) error {
	var delta protocol.StateDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		return fmt.Errorf("state-delta payload: %w", err)
	}

	accepted, ok := s.store.ApplyDelta(client.WorkspaceID, client.SessionID, delta)
	if !ok {
		return nil
	}

	hub.BroadcastToRoomExcept(client.WorkspaceID, &relay.Message{
		Type:    protocol.EventStateDelta,
		Payload: accepted,
	}, client)
	return nil
}

// handleVoicePresence fans voice-join/voice-leave out to the rest of the
// room with the sender's session filled in.
func (s *Service) handleVoicePresence(eventType string) handlerFunc {
	return func(hub *relay.Hub, client *relay.Client, data json.RawMessage) error {
		hub.BroadcastToRoomExcept(client.WorkspaceID, &relay.Message{
			Type:    eventType,
			Payload: protocol.VoicePresence{SessionID: client.SessionID},
		}, client)
		return nil
	}
}

// handleVoiceSignal relays offer/answer/ICE frames to the addressed peer.
// The server never inspects the SDP or candidate beyond the address; a
// frame without a known recipient is dropped without effect.
func (s *Service) handleVoiceSignal(eventType string) handlerFunc {
	return func(hub *relay.Hub, client *relay.Client, data json.RawMessage) error {
		var addr struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(data, &addr); err != nil {
			return fmt.Errorf("%s payload: %w", eventType, err)
		}
		if addr.To == "" || addr.To == client.SessionID {
			return nil
		}

		// Rewrite the frame with the authoritative sender id; clients must
		// not be able to spoof "from".
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("%s payload: %w", eventType, err)
		}
		delete(payload, "to")
		payload["from"] = json.RawMessage(fmt.Sprintf("%q", client.SessionID))

		if !hub.SendToSession(client.WorkspaceID, addr.To, &relay.Message{
			Type:    eventType,
			Payload: payload,
		}) {
			s.logger.Debug("voice signal to unknown peer",
				zap.String("workspace", client.WorkspaceID),
				zap.String("to", addr.To))
		}
		return nil
	}
}
