package events

import (
	"encoding/json"
	"fmt"
)

// Wire record types.
const (
	TypeSignal        = "signal"
	TypeInput         = "input"
	TypeInputSkeleton = "input_skeleton"
	TypeReply         = "reply"
	TypeReplySkeleton = "reply_skeleton"
)

// Record is the wire form of an event: a type label, an optional id and a
// rendered body.
type Record struct {
	Type string `json:"event"`
	ID   string `json:"id,omitempty"`
	Data string `json:"data"`
}

// Renderer produces the body of a record.
type Renderer interface {
	Render(ev Event) (string, error)
}

// Label returns the wire record type of ev, or "" for an unknown event.
func Label(ev Event) string {
	switch ev.(type) {
	case Processing, Finish, Complete, Error:
		return TypeSignal
	case InputSkeleton:
		return TypeInputSkeleton
	case Input:
		return TypeInput
	case ReplySkeleton:
		return TypeReplySkeleton
	case Reply:
		return TypeReply
	}
	return ""
}

// ToRecord maps ev to its wire record. Content events carry their turn id;
// signals carry none.
func ToRecord(ev Event, r Renderer) (Record, error) {
	rec := Record{Type: Label(ev)}
	switch e := ev.(type) {
	case InputSkeleton:
		rec.ID = e.TurnID
	case Input:
		rec.ID = e.TurnID
	case ReplySkeleton:
		rec.ID = e.TurnID
	case Reply:
		rec.ID = e.TurnID
	}
	if rec.Type == "" {
		return Record{}, fmt.Errorf("events: unknown event %T", ev)
	}

	data, err := r.Render(ev)
	if err != nil {
		return Record{}, fmt.Errorf("render %s: %w", rec.Type, err)
	}
	rec.Data = data
	return rec, nil
}

// JSONRenderer renders events as compact JSON bodies.
type JSONRenderer struct{}

type signalBody struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

type inputSkeletonBody struct {
	ID       string `json:"id"`
	Datetime string `json:"datetime"`
	Avatar   string `json:"avatar"`
	Name     string `json:"name"`
}

type inputBody struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type replySkeletonBody struct {
	ID     string `json:"id"`
	Avatar string `json:"avatar"`
	Name   string `json:"name"`
}

type replyBody struct {
	ID   string       `json:"id"`
	Data replyPayload `json:"data"`
}

type replyPayload struct {
	Type string    `json:"type"`
	Data ReplyData `json:"data"`
}

// Render implements Renderer.
func (JSONRenderer) Render(ev Event) (string, error) {
	var body any
	switch e := ev.(type) {
	case Processing:
		body = signalBody{Type: "processing", Data: string(e.Stage)}
	case Finish:
		body = signalBody{Type: "finish", Data: string(e.Stage)}
	case Complete:
		body = signalBody{Type: "complete"}
	case Error:
		body = signalBody{Type: "error", Data: e.Message}
	case InputSkeleton:
		body = inputSkeletonBody{ID: e.TurnID, Datetime: e.Datetime, Avatar: e.Avatar, Name: e.Name}
	case Input:
		body = inputBody{ID: e.TurnID, Content: e.Content}
	case ReplySkeleton:
		body = replySkeletonBody{ID: e.TurnID, Avatar: e.Avatar, Name: e.Name}
	case Reply:
		if e.Data == nil {
			return "", fmt.Errorf("reply %s has no data", e.TurnID)
		}
		body = replyBody{ID: e.TurnID, Data: replyPayload{Type: e.Data.kind(), Data: e.Data}}
	default:
		return "", fmt.Errorf("events: unknown event %T", ev)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
