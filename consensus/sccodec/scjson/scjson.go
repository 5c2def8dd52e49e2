// Package scjson implements the wire framing for votes and proposal
// streams: a vote is a single JSON object; a proposal is an ordered
// sequence of parts -- exactly one Init, zero or more content parts, and
// exactly one Fin (spec section 6). The teacher encodes its debug/gRPC
// payloads with encoding/json directly (gcosmos/gserver/internal/gsi),
// so this module follows the same choice rather than reaching for a
// binary codec the spec never asks for.
package scjson

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// PartKind distinguishes the three legal proposal-stream part shapes.
type PartKind string

const (
	PartInit    PartKind = "init"
	PartContent PartKind = "content"
	PartFin     PartKind = "fin"
)

// Part is one frame of a proposal stream.
type Part struct {
	Kind PartKind `json:"kind"`

	Init *ProposalInit `json:"init,omitempty"`

	Content []byte `json:"content,omitempty"`

	Fin *Fin `json:"fin,omitempty"`
}

// ProposalInit mirrors scmsg.ProposalInit for wire transport.
type ProposalInit struct {
	Height     scmsg.Height  `json:"height"`
	Round      scmsg.Round   `json:"round"`
	Proposer   string        `json:"proposer"`
	ValidRound *scmsg.Round  `json:"valid_round,omitempty"`
}

// Fin carries the proposer's claimed commitment closing the stream.
type Fin struct {
	Commitment scmsg.Commitment `json:"commitment"`
}

// EncodeVote marshals vote as a single JSON object.
func EncodeVote(vote scmsg.Vote) ([]byte, error) {
	return json.Marshal(wireVote{
		Kind:       vote.Kind.String(),
		Height:     vote.Height,
		Round:      vote.Round,
		Commitment: vote.Commitment,
		Voter:      string(vote.Voter),
		Signature:  vote.Signature,
	})
}

// DecodeVote unmarshals a vote previously produced by EncodeVote.
func DecodeVote(data []byte) (scmsg.Vote, error) {
	var w wireVote
	if err := json.Unmarshal(data, &w); err != nil {
		return scmsg.Vote{}, fmt.Errorf("scjson: decoding vote: %w", err)
	}
	kind, err := parseVoteKind(w.Kind)
	if err != nil {
		return scmsg.Vote{}, err
	}
	return scmsg.Vote{
		Kind:       kind,
		Height:     w.Height,
		Round:      w.Round,
		Commitment: w.Commitment,
		Voter:      scmsg.ValidatorID(w.Voter),
		Signature:  w.Signature,
	}, nil
}

type wireVote struct {
	Kind       string            `json:"kind"`
	Height     scmsg.Height      `json:"height"`
	Round      scmsg.Round       `json:"round"`
	Commitment *scmsg.Commitment `json:"commitment,omitempty"`
	Voter      string            `json:"voter"`
	Signature  []byte            `json:"signature,omitempty"`
}

func parseVoteKind(s string) (scmsg.VoteKind, error) {
	switch s {
	case "prevote":
		return scmsg.Prevote, nil
	case "precommit":
		return scmsg.Precommit, nil
	default:
		return 0, fmt.Errorf("scjson: unknown vote kind %q", s)
	}
}

// StreamReader decodes a sequence of Parts from an underlying
// newline-delimited JSON reader. Next rejects a second Init and any part
// after Fin; Validate reports a stream with no Init or no Fin. Whether the
// Init precedes the Content parts is not checked.
type StreamReader struct {
	dec       *json.Decoder
	sawInit   bool
	sawFin    bool
}

// NewStreamReader wraps r for reading a single proposal stream.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{dec: json.NewDecoder(r)}
}

// ErrDuplicateInit is returned by Next when a second Init part arrives.
var ErrDuplicateInit = fmt.Errorf("scjson: duplicate Init part")

// ErrPartAfterFin is returned by Next when any part arrives after Fin.
var ErrPartAfterFin = fmt.Errorf("scjson: part received after Fin")

// Next decodes the next Part, or io.EOF once the underlying reader is
// exhausted. It does not itself validate that Init came first or Fin
// came last across the whole stream; call Validate once io.EOF is seen.
func (r *StreamReader) Next() (Part, error) {
	var p Part
	if err := r.dec.Decode(&p); err != nil {
		return Part{}, err
	}
	if r.sawFin {
		return Part{}, ErrPartAfterFin
	}
	switch p.Kind {
	case PartInit:
		if r.sawInit {
			return Part{}, ErrDuplicateInit
		}
		r.sawInit = true
	case PartFin:
		r.sawFin = true
	}
	return p, nil
}

// Validate reports whether the parts consumed so far form a legal
// stream: an Init was seen and a Fin was seen.
func (r *StreamReader) Validate() error {
	if !r.sawInit {
		return fmt.Errorf("scjson: proposal stream missing Init part")
	}
	if !r.sawFin {
		return fmt.Errorf("scjson: proposal stream missing Fin part")
	}
	return nil
}
