package lookup

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// MessageTopicNotFound is what the directory service answers for a topic it
// has never seen. It means no producers, not a failure.
const MessageTopicNotFound = "TOPIC_NOT_FOUND"

var ErrInvalidResponse = errors.New("Directory service response could not be parsed")

// Producer is a broker registered with the directory service.
type Producer struct {
	BroadcastAddress string
	Hostname         string
	RemoteAddress    string
	TCPPort          int
	HTTPPort         int
	Version          string
	Tombstones       []bool
	Topics           []string
}

// Address is the host:port to open a TCP connection to.
func (p Producer) Address() string {
	return net.JoinHostPort(p.BroadcastAddress, strconv.Itoa(p.TCPPort))
}

type Response struct {
	Channels  []string
	Producers []Producer
}

// ParseResponse reads a /lookup or /nodes body. Both the bare object and the
// older {"status_code", "data"} envelope are accepted.
func ParseResponse(body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: not JSON", ErrInvalidResponse)
	}

	res := gjson.ParseBytes(body)
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidResponse)
	}

	if data := res.Get("data"); data.IsObject() {
		res = data
	}

	if msg := res.Get("message"); msg.Exists() {
		if msg.String() == MessageTopicNotFound {
			return &Response{}, nil
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, msg.String())
	}

	producers := res.Get("producers")
	if !producers.IsArray() {
		return nil, fmt.Errorf("%w: missing producers", ErrInvalidResponse)
	}

	resp := &Response{}

	for _, ch := range res.Get("channels").Array() {
		resp.Channels = append(resp.Channels, ch.String())
	}

	var err error
	producers.ForEach(func(_, p gjson.Result) bool {
		producer := Producer{
			BroadcastAddress: p.Get("broadcast_address").String(),
			Hostname:         p.Get("hostname").String(),
			RemoteAddress:    p.Get("remote_address").String(),
			TCPPort:          int(p.Get("tcp_port").Int()),
			HTTPPort:         int(p.Get("http_port").Int()),
			Version:          p.Get("version").String(),
		}

		if producer.BroadcastAddress == "" || producer.TCPPort == 0 {
			err = fmt.Errorf("%w: producer without an address: %s", ErrInvalidResponse, p.Raw)
			return false
		}

		for _, t := range p.Get("tombstones").Array() {
			producer.Tombstones = append(producer.Tombstones, t.Bool())
		}

		for _, t := range p.Get("topics").Array() {
			producer.Topics = append(producer.Topics, t.String())
		}

		resp.Producers = append(resp.Producers, producer)
		return true
	})

	if err != nil {
		return nil, err
	}

	return resp, nil
}

// union merges producer lists, keeping the first entry seen for each
// address. The result is sorted by address.
func union(lists ...[]Producer) []Producer {
	seen := make(map[string]struct{})
	var out []Producer

	for _, list := range lists {
		for _, p := range list {
			addr := p.Address()
			if _, ok := seen[addr]; ok {
				continue
			}

			seen[addr] = struct{}{}
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address() < out[j].Address()
	})

	return out
}
