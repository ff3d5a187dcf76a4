// Command node runs one overlay server: it loads configuration from the
// environment (with an optional YAML overlay), loads or generates the
// node's persistent keypair file, and serves client circuits on a framed
// TCP listener standing in for the onion terminus. Prometheus metrics are
// exposed on the websocket port.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/luxfi/log"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orionmesh/relay/internal/crypto/hash"
	"github.com/orionmesh/relay/internal/crypto/sign"
	"github.com/orionmesh/relay/internal/dht"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/metric"
	"github.com/orionmesh/relay/internal/nodeconfig"
	"github.com/orionmesh/relay/internal/onion"
	"github.com/orionmesh/relay/internal/rpc/rpcmem"
	"github.com/orionmesh/relay/internal/server"
	"github.com/orionmesh/relay/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := nodeconfig.Load("node.yaml")
	if err != nil {
		return err
	}
	identity, err := nodeconfig.LoadOrGenerateIdentity(cfg.KeyPath)
	if err != nil {
		return err
	}

	logger := log.New("component", "relay")
	idHash := hash.Sum(sign.MarshalPublic(identity.SignPub))
	logger.Info("starting node",
		"identity", base58.Encode(idHash[:]),
		"port", cfg.Port,
		"ws_port", cfg.WSPort,
		"external_ip", cfg.ExternalIP,
		"boot_nodes", len(cfg.BootNodes),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics, err := metric.New(reg)
	if err != nil {
		return err
	}

	// The swarm transports (onion circuits, DHT lookups, peer RPC) are
	// hosted by their own subsystems; this binary attaches a single node to
	// an in-process fabric and terminates client streams on plain framed
	// TCP.
	self := peerID(idHash)
	network := rpcmem.NewNetwork()
	endpoint := network.Join(self)
	table := dht.NewTable(self)
	table.Insert(self)

	node := server.New(self, store.New(), table, endpoint, endpoint, server.Options{
		Log:            logger,
		Metrics:        metrics,
		RequestTimeout: cfg.IdleTimeout,
	})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.WSPort), Handler: mux}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "err", err)
		}
	}()

	go func() {
		if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event loop stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return nil
			}
			return err
		}
		logger.Debug("client connected", "remote", conn.RemoteAddr().String())
		go node.ServeClient(ctx, newTCPStream(conn))
	}
}

// peerID folds a 32-byte identity hash into the routing table's node id
// width.
func peerID(h [hash.Size]byte) idtypes.PeerID {
	var p idtypes.PeerID
	copy(p[:], h[:])
	return p
}

// maxFrame bounds a single inbound frame; anything larger is a corrupt or
// hostile stream.
const maxFrame = 4 << 20

// tcpStream adapts a TCP connection to the framed stream contract:
// [len:u32 BE][payload].
type tcpStream struct {
	conn net.Conn
	br   *bufio.Reader

	writeMu sync.Mutex
}

func newTCPStream(conn net.Conn) onion.Stream {
	return &tcpStream{conn: conn, br: bufio.NewReader(conn)}
}

func (s *tcpStream) ReadFrame(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.br, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(s.br, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *tcpStream) WriteFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := s.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(frame)
	return err
}

func (s *tcpStream) Close() error {
	return s.conn.Close()
}
