package gateway

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/router"
	"github.com/opd-ai/whisper-relay/store"
)

// RunSubscriber consumes the cross-instance channels and writes frames
// addressed to local sockets. Frames for users connected elsewhere are
// ignored; the instance holding their socket handles them.
func (s *Server) RunSubscriber(ctx context.Context, stop <-chan struct{}) error {
	msgSub, err := s.kv.Subscribe(ctx, store.ChannelMessages)
	if err != nil {
		return err
	}
	callSub, err := s.kv.Subscribe(ctx, store.ChannelCalls)
	if err != nil {
		_ = msgSub.Close()
		return err
	}
	defer msgSub.Close()
	defer callSub.Close()

	for {
		select {
		case <-stop:
			return nil
		case msg, ok := <-msgSub.Messages():
			if !ok {
				return nil
			}
			s.deliverRemote(msg.Payload)
		case msg, ok := <-callSub.Messages():
			if !ok {
				return nil
			}
			s.deliverRemote(msg.Payload)
		}
	}
}

func (s *Server) deliverRemote(payload string) {
	var remote router.RemoteFrame
	if err := json.Unmarshal([]byte(payload), &remote); err != nil {
		logrus.WithField("error", err.Error()).Warn("Malformed cross-instance frame")
		return
	}
	session, ok := s.presence.Get(remote.To)
	if !ok {
		return
	}
	if err := session.Conn.Send(remote.Frame.Type, remote.Frame.Payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"to":    remote.To,
			"type":  remote.Frame.Type,
			"error": err.Error(),
		}).Debug("Local forward of remote frame failed")
	}
}
