// Package raftnet implements the node-to-node Raft transport and the
// cluster-management HTTP surface. hashicorp/raft ships raft.Transport
// over a length-prefixed TCP stream (as wired in
// services/mesh/internal/consensus/group.go via raft.NewTCPTransport);
// the registry instead carries its RPCs as HTTP/JSON bodies, so
// this package hand-rolls raft.Transport the way
// services/mesh/internal/grpc/consensus_service.go hand-rolls a
// service over gRPC - same dispatch shape, different wire format.
package raftnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

const (
	pathAppendEntries  = "/raft-append"
	pathRequestVote    = "/raft-vote"
	pathInstallSnap    = "/raft-snapshot"
	pathTimeoutNow     = "/raft-timeout-now"
	defaultRPCTimeout  = 2 * time.Second

	headerMetaLength = "X-Raft-Meta-Length"
)

// HTTPTransport implements raft.Transport over plain HTTP/JSON RPCs.
type HTTPTransport struct {
	localAddr raft.ServerAddress
	logger    *logger.Logger
	client    *http.Client

	consumer     chan raft.RPC
	heartbeatMu  sync.Mutex
	heartbeatCB  func(raft.RPC)
}

// NewHTTPTransport creates a transport that answers as localAddr. The
// caller is responsible for mounting the router returned by Router on
// its HTTP listener so the RPC paths reach this transport.
func NewHTTPTransport(localAddr string, log *logger.Logger) *HTTPTransport {
	return &HTTPTransport{
		localAddr: raft.ServerAddress(localAddr),
		logger:    log,
		client:    &http.Client{Timeout: defaultRPCTimeout},
		consumer:  make(chan raft.RPC, 64),
	}
}

// Consumer implements raft.Transport.
func (t *HTTPTransport) Consumer() <-chan raft.RPC { return t.consumer }

// LocalAddr implements raft.Transport.
func (t *HTTPTransport) LocalAddr() raft.ServerAddress { return t.localAddr }

// EncodePeer implements raft.Transport.
func (t *HTTPTransport) EncodePeer(_ raft.ServerID, addr raft.ServerAddress) []byte {
	return []byte(addr)
}

// DecodePeer implements raft.Transport.
func (t *HTTPTransport) DecodePeer(buf []byte) raft.ServerAddress {
	return raft.ServerAddress(buf)
}

// SetHeartbeatHandler implements raft.Transport. When set, AppendEntries
// requests that carry no log entries (pure heartbeats) are routed
// directly to cb instead of the normal consumer channel.
func (t *HTTPTransport) SetHeartbeatHandler(cb func(rpc raft.RPC)) {
	t.heartbeatMu.Lock()
	defer t.heartbeatMu.Unlock()
	t.heartbeatCB = cb
}

// AppendEntriesPipeline implements raft.Transport. The registry's RPC
// surface only names the three synchronous calls, so pipelining is
// intentionally unsupported - hashicorp/raft falls back to sequential
// AppendEntries calls when this returns an error.
func (t *HTTPTransport) AppendEntriesPipeline(_ raft.ServerID, _ raft.ServerAddress) (raft.AppendPipeline, error) {
	return nil, raft.ErrPipelineReplicationNotSupported
}

// AppendEntries implements raft.Transport.
func (t *HTTPTransport) AppendEntries(id raft.ServerID, target raft.ServerAddress, args *raft.AppendEntriesRequest, resp *raft.AppendEntriesResponse) error {
	return t.rpc(target, pathAppendEntries, args, resp)
}

// RequestVote implements raft.Transport.
func (t *HTTPTransport) RequestVote(id raft.ServerID, target raft.ServerAddress, args *raft.RequestVoteRequest, resp *raft.RequestVoteResponse) error {
	return t.rpc(target, pathRequestVote, args, resp)
}

// InstallSnapshot implements raft.Transport. The request body is the
// JSON metadata followed directly by the raw snapshot bytes, with the
// metadata length in the X-Raft-Meta-Length header, so the blob is not
// base64-inflated inside the JSON. The whole body is buffered in memory
// before it is sent.
func (t *HTTPTransport) InstallSnapshot(id raft.ServerID, target raft.ServerAddress, args *raft.InstallSnapshotRequest, resp *raft.InstallSnapshotResponse, data io.Reader) error {
	meta, err := json.Marshal(args)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	body.Write(meta)
	if _, err := io.Copy(&body, data); err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", target, pathInstallSnap)
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerMetaLength, strconv.Itoa(len(meta)))

	httpResp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("install snapshot to %s: status %d", target, httpResp.StatusCode)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// TimeoutNow implements raft.Transport.
func (t *HTTPTransport) TimeoutNow(id raft.ServerID, target raft.ServerAddress, args *raft.TimeoutNowRequest, resp *raft.TimeoutNowResponse) error {
	return t.rpc(target, pathTimeoutNow, args, resp)
}

func (t *HTTPTransport) rpc(target raft.ServerAddress, path string, args, resp interface{}) error {
	body, err := json.Marshal(args)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", target, path)
	ctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("rpc %s to %s: status %d: %s", path, target, httpResp.StatusCode, string(msg))
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// dispatch hands a decoded request to the consumer channel (or the
// heartbeat handler, for no-op AppendEntries calls) and blocks for the
// RPC's response, matching the synchronous call/response shape the
// hashicorp/raft library expects from a raft.Transport.
func (t *HTTPTransport) dispatch(command interface{}, reader io.Reader) (interface{}, error) {
	respCh := make(chan raft.RPCResponse, 1)
	rpc := raft.RPC{
		Command:  command,
		Reader:   reader,
		RespChan: respCh,
	}

	if aer, ok := command.(*raft.AppendEntriesRequest); ok && len(aer.Entries) == 0 {
		t.heartbeatMu.Lock()
		cb := t.heartbeatCB
		t.heartbeatMu.Unlock()
		if cb != nil {
			cb(rpc)
			out := <-respCh
			return out.Response, out.Error
		}
	}

	select {
	case t.consumer <- rpc:
	case <-time.After(defaultRPCTimeout):
		return nil, fmt.Errorf("raft consumer channel full")
	}

	out := <-respCh
	return out.Response, out.Error
}
