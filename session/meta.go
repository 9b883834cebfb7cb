package session

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pegasus-kv/go-client/base"
	"github.com/pegasus-kv/go-client/rpc"
)

// Sentinel errors MetaSession.QueryConfig can return; table maps these onto
// the public ErrorKind enum, same convention as the Session sentinels.
var (
	ErrTableNotFound   = fmt.Errorf("session: table not found")
	ErrMetaUnreachable = fmt.Errorf("session: no meta server reachable")
)

// MetaSession fronts the meta cluster, per §4.E: it rotates across
// meta_servers, follows ERR_FORWARD_TO_OTHERS hints, and keeps its
// connection warm across calls. It reuses the same Session machinery the
// replica pool does — a meta endpoint is, at the TCP level, no different
// from a replica endpoint.
type MetaSession struct {
	cfg       *Config
	maxRetry  int
	leaderMu  sync.Mutex
	servers   []base.Endpoint
	leaderIdx int

	pool *Pool // one Session per meta endpoint, reused across calls
}

// NewMetaSession builds a MetaSession fronting servers. cfg.KeepAlive should
// be true (callers normally get this from the client's meta config).
func NewMetaSession(servers []base.Endpoint, cfg *Config, maxRetry int) *MetaSession {
	return &MetaSession{
		cfg:      cfg,
		maxRetry: maxRetry,
		servers:  servers,
		pool:     NewPool(cfg),
	}
}

// QueryConfigResult is the parsed response to a successful query, per §4.E
// point 4.
type QueryConfigResult struct {
	AppID          int32
	PartitionCount int32
	Configs        []base.PartitionConfiguration
}

// QueryConfig implements §4.E's query_config(table_name) state machine.
func (m *MetaSession) QueryConfig(tableName string, deadline time.Time) (*QueryConfigResult, error) {
	if len(m.servers) == 0 {
		return nil, ErrMetaUnreachable
	}

	attempts := 0
	triedAll := false
	for attempts < m.maxRetry {
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		m.leaderMu.Lock()
		idx := m.leaderIdx
		m.leaderMu.Unlock()
		ep := m.servers[idx%len(m.servers)]

		attempts++
		result, hint, err := m.queryOnce(ep, tableName, deadline)
		switch {
		case err == nil:
			return result, nil
		case err == ErrTableNotFound:
			return nil, err
		case hint.IsValid():
			m.setLeaderByEndpoint(hint)
			triedAll = false
			continue
		default:
			// Transport failure or unrecognized error: round-robin to the
			// next configured endpoint.
			m.leaderMu.Lock()
			m.leaderIdx = (m.leaderIdx + 1) % len(m.servers)
			atLast := m.leaderIdx == idx
			m.leaderMu.Unlock()
			if atLast {
				if triedAll {
					return nil, ErrMetaUnreachable
				}
				triedAll = true
			}
		}
	}
	return nil, ErrMetaUnreachable
}

func (m *MetaSession) setLeaderByEndpoint(hint base.Endpoint) {
	m.leaderMu.Lock()
	defer m.leaderMu.Unlock()
	for i, ep := range m.servers {
		if ep == hint {
			m.leaderIdx = i
			return
		}
	}
	// Hint points somewhere outside our configured list (a meta server
	// added after the client started); track it so the next attempt
	// still lands on the true leader instead of looping forever.
	m.servers = append(m.servers, hint)
	m.leaderIdx = len(m.servers) - 1
}

// queryOnce sends one CM_QUERY_CONFIG to ep and waits for the reply.
// Returns a forwarding hint instead of an error when the meta server
// redirects the client to another leader.
func (m *MetaSession) queryOnce(ep base.Endpoint, tableName string, deadline time.Time) (*QueryConfigResult, base.Endpoint, error) {
	sess := m.pool.Get(ep)

	type outcome struct {
		frame *rpc.Frame
		err   error
	}
	done := make(chan outcome, 1)
	sess.Send(rpc.OpMetaQueryConfig, base.InvalidGpid, encodeQueryConfigRequest(tableName), deadline,
		func(f *rpc.Frame, err error) { done <- outcome{f, err} })

	out := <-done
	if out.err != nil {
		return nil, base.InvalidEndpoint, out.err
	}
	if out.frame.Error != rpc.ErrOK {
		if out.frame.Error == rpc.ErrObjectNotFound {
			return nil, base.InvalidEndpoint, ErrTableNotFound
		}
		if out.frame.Error == rpc.ErrForwardToOthers {
			hint, herr := decodeForwardHint(out.frame.Body)
			if herr == nil {
				return nil, hint, nil
			}
		}
		return nil, base.InvalidEndpoint, fmt.Errorf("session: meta query failed: %s", out.frame.Error)
	}
	result, err := decodeQueryConfigResponse(out.frame.Body)
	if err != nil {
		return nil, base.InvalidEndpoint, err
	}
	return result, base.InvalidEndpoint, nil
}

// CloseAll shuts down every meta connection the session holds.
func (m *MetaSession) CloseAll() { m.pool.CloseAll() }

// --- minimal wire encoding for the meta query, intrinsic to this
// component's own retry/forwarding logic (not the general per-operation
// body codec that spec.md §1 explicitly keeps out of scope). ---

func encodeQueryConfigRequest(tableName string) []byte {
	buf := make([]byte, 2+len(tableName))
	binary.BigEndian.PutUint16(buf, uint16(len(tableName)))
	copy(buf[2:], tableName)
	return buf
}

func decodeForwardHint(body []byte) (base.Endpoint, error) {
	if len(body) < 6 {
		return base.InvalidEndpoint, fmt.Errorf("session: short forward hint")
	}
	ip := binary.BigEndian.Uint32(body[0:4])
	port := binary.BigEndian.Uint16(body[4:6])
	return base.EndpointFromRaw(ip, port), nil
}

func decodeQueryConfigResponse(body []byte) (*QueryConfigResult, error) {
	if len(body) < 12 {
		return nil, fmt.Errorf("session: short query config response")
	}
	i := 0
	appID := int32(binary.BigEndian.Uint32(body[i:]))
	i += 4
	partitionCount := int32(binary.BigEndian.Uint32(body[i:]))
	i += 4
	numConfigs := int32(binary.BigEndian.Uint32(body[i:]))
	i += 4

	configs := make([]base.PartitionConfiguration, 0, numConfigs)
	for n := int32(0); n < numConfigs; n++ {
		if len(body) < i+4+8+6+4 {
			return nil, fmt.Errorf("session: truncated partition config %d", n)
		}
		partIdx := int32(binary.BigEndian.Uint32(body[i:]))
		i += 4
		ballot := int64(binary.BigEndian.Uint64(body[i:]))
		i += 8
		primaryIP := binary.BigEndian.Uint32(body[i:])
		i += 4
		primaryPort := binary.BigEndian.Uint16(body[i:])
		i += 2
		numSecondaries := int32(binary.BigEndian.Uint32(body[i:]))
		i += 4

		secondaries := make([]base.Endpoint, 0, numSecondaries)
		for s := int32(0); s < numSecondaries; s++ {
			if len(body) < i+6 {
				return nil, fmt.Errorf("session: truncated secondary list")
			}
			ip := binary.BigEndian.Uint32(body[i:])
			i += 4
			port := binary.BigEndian.Uint16(body[i:])
			i += 2
			secondaries = append(secondaries, base.EndpointFromRaw(ip, port))
		}
		if len(body) < i+4 {
			return nil, fmt.Errorf("session: truncated max replica count")
		}
		maxReplicaCount := int32(binary.BigEndian.Uint32(body[i:]))
		i += 4

		configs = append(configs, base.PartitionConfiguration{
			Gpid:            base.Gpid{AppID: appID, PartitionIndex: partIdx},
			Ballot:          ballot,
			Primary:         base.EndpointFromRaw(primaryIP, primaryPort),
			Secondaries:     secondaries,
			MaxReplicaCount: maxReplicaCount,
		})
	}

	return &QueryConfigResult{AppID: appID, PartitionCount: partitionCount, Configs: configs}, nil
}
