// Package grain builds the WebSocket payload known as a "grain": one
// message carrying an ordered batch of pre/post resource deltas for a
// single subscription.
package grain

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nmos-tools/queryservice/internal/resource"
)

// Entry is one {path, pre, post} delta within a grain's data list. A
// create has Pre == nil; a delete has Post == nil; an update carries
// both.
type Entry struct {
	Path string       `json:"path"`
	Pre  resource.Doc `json:"pre"`
	Post resource.Doc `json:"post"`
}

// Timestamp is an NMOS TAI-like timestamp pair rendered as
// "<seconds>:<nanoseconds>", matching the wire format the original
// service emits for origin/sync/creation_timestamp.
type Timestamp string

func now() Timestamp {
	t := time.Now()
	return Timestamp(fmt.Sprintf("%d:%d", t.Unix(), t.Nanosecond()))
}

// Rate is a rational frame-rate-shaped field. Grains carry a fixed
// {0,1} rate/duration pair: the query API has no notion of essence
// frame rate, but NMOS clients expect the field to be present.
type Rate struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

var zeroRate = Rate{Numerator: 0, Denominator: 1}

// body is the nested "grain" object carrying the actual data list.
type body struct {
	Data []Entry `json:"data"`
}

// Grain is one outgoing WebSocket message.
type Grain struct {
	GrainType string    `json:"grain_type"`
	SourceID  string    `json:"source_id"`
	FlowID    string    `json:"flow_id"`
	Origin    Timestamp `json:"origin_timestamp"`
	Sync      Timestamp `json:"sync_timestamp"`
	Creation  Timestamp `json:"creation_timestamp"`
	Rate      Rate      `json:"rate"`
	Duration  Rate      `json:"duration"`
	Grain     body      `json:"grain"`
}

// sourceID is computed once per process: uuid3(NAMESPACE_DNS,
// pid||hostname), exactly as the original gen_source_id, so every grain
// emitted by this process shares one stable identity.
var sourceID = computeSourceID()

func computeSourceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	seed := fmt.Sprintf("%d%s", os.Getpid(), hostname)
	return uuid.NewMD5(uuid.NameSpaceDNS, []byte(seed)).String()
}

// SourceID returns this process's stable grain source_id.
func SourceID() string {
	return sourceID
}

// New builds a Grain for subscriptionID with the given entries, using
// this process's source_id and the current wall-clock time for every
// timestamp field.
func New(subscriptionID string, entries []Entry) Grain {
	ts := now()
	if entries == nil {
		entries = []Entry{}
	}
	return Grain{
		GrainType: "event",
		SourceID:  sourceID,
		FlowID:    subscriptionID,
		Origin:    ts,
		Sync:      ts,
		Creation:  ts,
		Rate:      zeroRate,
		Duration:  zeroRate,
		Grain:     body{Data: entries},
	}
}
