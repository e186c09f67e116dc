package websocket

import (
	"encoding/json"

	"github.com/saveenergy/egresswatch/pkg/types"
)

// FeedPublisher frames probe results as envelopes on the feed topic.
type FeedPublisher struct {
	server *Server
}

func NewFeedPublisher(server *Server) *FeedPublisher {
	return &FeedPublisher{server: server}
}

func (f *FeedPublisher) Publish(p types.Protocol, ev types.ProbeEvent) error {
	env, err := types.NewEnvelope(p, ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	f.server.Broadcast(TopicFeed, data)
	return nil
}
