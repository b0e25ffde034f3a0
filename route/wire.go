package route

import (
	"encoding/json"
	"fmt"
)

// wireNode is the on-the-wire shape of one Descriptor node: a kind tag
// plus whichever fields that kind uses, recursively nesting Lower/
// Children. Broker-delivered routes decode through this one shape; a
// bridge/exit's static config is built from TOML by internal/config.
type wireNode struct {
	Kind      string     `json:"kind"`
	Addr      string     `json:"addr,omitempty"`
	Cookie    []byte     `json:"cookie,omitempty"`
	SNI       string     `json:"sni,omitempty"`
	Key       []byte     `json:"key,omitempty"`
	Table     []byte     `json:"table,omitempty"`
	PingCount int        `json:"ping_count,omitempty"`
	MS        int        `json:"ms,omitempty"`
	Payload   []byte     `json:"payload,omitempty"`
	Lower     *wireNode  `json:"lower,omitempty"`
	Children  []wireNode `json:"children,omitempty"`
}

// EncodeJSON serializes a Descriptor tree the way the broker ships
// get_routes_v2 replies.
func EncodeJSON(d Descriptor) ([]byte, error) {
	n, err := toWire(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// DecodeJSON parses a wire-format descriptor tree, as returned by
// broker.Client.GetRoutesV2.
func DecodeJSON(raw []byte) (Descriptor, error) {
	var n wireNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("route: decode descriptor: %w", err)
	}
	return fromWire(n)
}

func toWire(d Descriptor) (*wireNode, error) {
	switch v := d.(type) {
	case Tcp:
		return &wireNode{Kind: "tcp", Addr: v.Addr}, nil
	case Sosistab3:
		lower, err := toWire(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "sosistab3", Cookie: v.Cookie, Lower: lower}, nil
	case PlainTls:
		lower, err := toWire(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "plain_tls", SNI: v.SNI, Lower: lower}, nil
	case Meeklike:
		lower, err := toWire(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "meeklike", Key: v.Key, Lower: lower}, nil
	case Hex:
		lower, err := toWire(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "hex", Lower: lower}, nil
	case Substitution:
		lower, err := toWire(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "substitution", Table: v.Table[:], Lower: lower}, nil
	case ConnTest:
		lower, err := toWire(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "conn_test", PingCount: v.PingCount, Lower: lower}, nil
	case Timeout:
		lower, err := toWire(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "timeout", MS: v.MS, Lower: lower}, nil
	case Delay:
		lower, err := toWire(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "delay", MS: v.MS, Lower: lower}, nil
	case Race:
		children, err := toWireChildren(v.Children)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "race", Children: children}, nil
	case Fallback:
		children, err := toWireChildren(v.Children)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "fallback", Children: children}, nil
	case Other:
		return &wireNode{Kind: "other:" + v.Kind, Payload: v.Payload}, nil
	default:
		return nil, fmt.Errorf("route: encode: %T: %w", d, ErrUnsupportedDescriptor)
	}
}

func toWireChildren(children []Descriptor) ([]wireNode, error) {
	out := make([]wireNode, 0, len(children))
	for _, c := range children {
		n, err := toWire(c)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, nil
}

func fromWire(n wireNode) (Descriptor, error) {
	lower := func() (Descriptor, error) {
		if n.Lower == nil {
			return nil, fmt.Errorf("route: %s: missing lower", n.Kind)
		}
		return fromWire(*n.Lower)
	}

	switch n.Kind {
	case "tcp":
		return Tcp{Addr: n.Addr}, nil
	case "sosistab3":
		l, err := lower()
		if err != nil {
			return nil, err
		}
		return Sosistab3{Cookie: n.Cookie, Lower: l}, nil
	case "plain_tls":
		l, err := lower()
		if err != nil {
			return nil, err
		}
		return PlainTls{SNI: n.SNI, Lower: l}, nil
	case "meeklike":
		l, err := lower()
		if err != nil {
			return nil, err
		}
		return Meeklike{Key: n.Key, Lower: l}, nil
	case "hex":
		l, err := lower()
		if err != nil {
			return nil, err
		}
		return Hex{Lower: l}, nil
	case "substitution":
		l, err := lower()
		if err != nil {
			return nil, err
		}
		var table [256]byte
		if len(n.Table) != 256 {
			return nil, fmt.Errorf("route: substitution: table must be 256 bytes, got %d", len(n.Table))
		}
		copy(table[:], n.Table)
		return Substitution{Table: table, Lower: l}, nil
	case "conn_test":
		l, err := lower()
		if err != nil {
			return nil, err
		}
		return ConnTest{PingCount: n.PingCount, Lower: l}, nil
	case "timeout":
		l, err := lower()
		if err != nil {
			return nil, err
		}
		return Timeout{MS: n.MS, Lower: l}, nil
	case "delay":
		l, err := lower()
		if err != nil {
			return nil, err
		}
		return Delay{MS: n.MS, Lower: l}, nil
	case "race":
		children, err := fromWireChildren(n.Children)
		if err != nil {
			return nil, err
		}
		return Race{Children: children}, nil
	case "fallback":
		children, err := fromWireChildren(n.Children)
		if err != nil {
			return nil, err
		}
		return Fallback{Children: children}, nil
	default:
		// Unrecognized kind, including our own "other:<kind>" encoding:
		// preserve forward compatibility rather than failing decode.
		kind := n.Kind
		if len(kind) > 6 && kind[:6] == "other:" {
			kind = kind[6:]
		}
		return Other{Kind: kind, Payload: n.Payload}, nil
	}
}

func fromWireChildren(nodes []wireNode) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(nodes))
	for _, n := range nodes {
		d, err := fromWire(n)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
