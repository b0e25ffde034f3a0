package config

import (
	"encoding/hex"
	"fmt"

	"github.com/yawning/veilnet/route"
)

// BuildDescriptor folds a stage chain onto a Tcp leaf at addr, stages[0]
// wrapping the leaf directly and each later stage wrapping the previous
// result, so the config file's stage order reads innermost-to-outermost
// the same way the wire descriptor nests Lower fields.
func BuildDescriptor(addr string, stages []StageConfig) (route.Descriptor, error) {
	var d route.Descriptor = route.Tcp{Addr: addr}
	for _, st := range stages {
		next, err := wrapStage(d, st)
		if err != nil {
			return nil, err
		}
		d = next
	}
	return d, nil
}

func wrapStage(lower route.Descriptor, st StageConfig) (route.Descriptor, error) {
	switch st.Kind {
	case "sosistab3":
		cookie, err := hex.DecodeString(st.Cookie)
		if err != nil {
			return nil, fmt.Errorf("config: sosistab3 stage: cookie: %w", err)
		}
		return route.Sosistab3{Cookie: cookie, Lower: lower}, nil
	case "plain_tls":
		return route.PlainTls{SNI: st.SNI, Lower: lower}, nil
	case "meeklike":
		key, err := hex.DecodeString(st.Key)
		if err != nil {
			return nil, fmt.Errorf("config: meeklike stage: key: %w", err)
		}
		return route.Meeklike{Key: key, Lower: lower}, nil
	case "hex":
		return route.Hex{Lower: lower}, nil
	case "substitution":
		raw, err := hex.DecodeString(st.Table)
		if err != nil {
			return nil, fmt.Errorf("config: substitution stage: table: %w", err)
		}
		if len(raw) != 256 {
			return nil, fmt.Errorf("config: substitution stage: table must decode to 256 bytes, got %d", len(raw))
		}
		var table [256]byte
		copy(table[:], raw)
		return route.Substitution{Table: table, Lower: lower}, nil
	case "conn_test":
		return route.ConnTest{PingCount: st.PingCount, Lower: lower}, nil
	default:
		return nil, fmt.Errorf("config: unknown stage kind %q", st.Kind)
	}
}
