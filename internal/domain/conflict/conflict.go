// Package conflict decides between concurrently modified copies of a record.
//
// The ordering is a deterministic last-writer-wins: higher version first,
// later lastModified second, server on an exact tie. Merge combines
// non-overlapping fields only; it is not conflict-free for the same field.
package conflict

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownStrategy = errors.New("unknown conflict strategy")
	ErrNotObject       = errors.New("merge requires JSON objects")
	ErrMissingData     = errors.New("client data is required for this strategy")
)

// Strategy selects how a conflicting record is settled.
type Strategy string

const (
	StrategyAuto       Strategy = "auto"
	StrategyServerWins Strategy = "server_wins"
	StrategyClientWins Strategy = "client_wins"
	StrategyMerge      Strategy = "merge"
)

// ParseStrategy validates a wire value. Empty means auto.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case "":
		return StrategyAuto, nil
	case StrategyAuto, StrategyServerWins, StrategyClientWins, StrategyMerge:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Winner names the side whose copy is authoritative.
type Winner string

const (
	WinnerServer Winner = "server"
	WinnerLocal  Winner = "local"
	WinnerMerged Winner = "merged"
)

// Stamp is the part of a record the ordering looks at.
type Stamp struct {
	Version      int       `json:"version"`
	LastModified time.Time `json:"last_modified"`
}

// Record is a stamped copy of a record's data.
type Record struct {
	Stamp
	Data json.RawMessage `json:"data,omitempty"`
}

// Resolution is the outcome of settling a conflict.
type Resolution struct {
	Winner Winner          `json:"winner"`
	Data   json.RawMessage `json:"data"`
	Stamp  Stamp           `json:"stamp"`
}

// Resolve orders two stamps. It never looks at the data.
func Resolve(server, local Stamp) Winner {
	switch {
	case server.Version > local.Version:
		return WinnerServer
	case server.Version < local.Version:
		return WinnerLocal
	case local.LastModified.After(server.LastModified):
		return WinnerLocal
	default:
		return WinnerServer
	}
}

// Apply settles a conflict with the given strategy.
//
// For merge the returned stamp is the higher of both versions and the later
// timestamp; callers persisting the result bump the version themselves.
func Apply(strategy Strategy, server, local Record) (Resolution, error) {
	switch strategy {
	case StrategyAuto:
		if Resolve(server.Stamp, local.Stamp) == WinnerServer {
			return pick(WinnerServer, server), nil
		}
		if len(local.Data) == 0 {
			return Resolution{}, ErrMissingData
		}
		return pick(WinnerLocal, local), nil
	case StrategyServerWins:
		return pick(WinnerServer, server), nil
	case StrategyClientWins:
		if len(local.Data) == 0 {
			return Resolution{}, ErrMissingData
		}
		return pick(WinnerLocal, local), nil
	case StrategyMerge:
		if len(local.Data) == 0 {
			return Resolution{}, ErrMissingData
		}
		data, err := Merge(server, local)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{
			Winner: WinnerMerged,
			Data:   data,
			Stamp:  maxStamp(server.Stamp, local.Stamp),
		}, nil
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// Merge combines the fields of both copies. Fields present on both sides
// take the value of the side Resolve selects; a field that is absent or
// empty on that side is carried over from the other one.
func Merge(server, local Record) (json.RawMessage, error) {
	srv, err := decodeObject(server.Data)
	if err != nil {
		return nil, fmt.Errorf("server data: %w", err)
	}
	loc, err := decodeObject(local.Data)
	if err != nil {
		return nil, fmt.Errorf("local data: %w", err)
	}

	primary, secondary := srv, loc
	if Resolve(server.Stamp, local.Stamp) == WinnerLocal {
		primary, secondary = loc, srv
	}

	merged := make(map[string]json.RawMessage, len(primary)+len(secondary))
	for k, v := range primary {
		merged[k] = v
	}
	for k, v := range secondary {
		if cur, ok := merged[k]; !ok || isEmpty(cur) {
			merged[k] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged data: %w", err)
	}
	return out, nil
}

func pick(w Winner, r Record) Resolution {
	return Resolution{Winner: w, Data: r.Data, Stamp: r.Stamp}
}

func maxStamp(a, b Stamp) Stamp {
	out := a
	if b.Version > out.Version {
		out.Version = b.Version
	}
	if b.LastModified.After(out.LastModified) {
		out.LastModified = b.LastModified
	}
	return out
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}

// isEmpty treats null, "", [] and {} as empty. Zero numbers and false are values.
func isEmpty(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}
