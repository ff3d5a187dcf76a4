package protocol

import "github.com/orionmesh/relay/internal/codec"

// SubscribeRequest is the request for the Subscribe protocol: the topic the
// caller wants to follow. The response carries no payload;
// the subscriber instead receives a stream of out-of-band push frames keyed
// by the same Topic, delivered by the subscription bus.
type SubscribeRequest struct {
	Target Topic
}

func (r SubscribeRequest) Encode(w *codec.Writer) { r.Target.Encode(w) }

// DecodeSubscribeRequest decodes a SubscribeRequest.
func DecodeSubscribeRequest(r *codec.Reader) (SubscribeRequest, error) {
	t, err := DecodeTopic(r)
	if err != nil {
		return SubscribeRequest{}, err
	}
	return SubscribeRequest{Target: t}, nil
}

// Topic returns the DHT topic this request routes on, satisfying the same
// convention every other protocol request does.
func (r SubscribeRequest) Topic() Topic { return r.Target }
