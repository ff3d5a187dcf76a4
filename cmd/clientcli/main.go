// Command clientcli is a minimal exerciser for a running node: it creates
// a throwaway profile, writes and reads back a vault, and round-trips a
// chat message, printing each step. Useful as a smoke check against a
// local node.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/orionmesh/relay/internal/blob"
	"github.com/orionmesh/relay/internal/client"
	"github.com/orionmesh/relay/internal/crypto/hash"
	"github.com/orionmesh/relay/internal/crypto/sign"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/onion"
	"github.com/orionmesh/relay/internal/proof"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7420", "node address")
	room := flag.String("room", "smoke", "chat name to exercise")
	timeout := flag.Duration("timeout", 15*time.Second, "overall deadline")
	flag.Parse()

	if err := run(*addr, *room, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "clientcli: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, room string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	d := client.New(newTCPStream(conn), nil)
	go func() { _ = d.Run(ctx) }()
	defer d.Close()

	pub, priv, err := sign.Generate()
	if err != nil {
		return err
	}
	id := idtypes.Identity(hash.Sum(sign.MarshalPublic(pub)))
	fmt.Printf("identity: %s\n", base58.Encode(id[:]))

	mailNonce := uint64(1)
	if err := d.CreateProfile(ctx, proof.New(priv, pub, proof.MailContext(), &mailNonce), [32]byte{1}, nil); err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	fmt.Println("profile created")

	vault := []byte("hello vault")
	vaultNonce := uint64(2)
	if err := d.SetVault(ctx, proof.New(priv, pub, proof.VaultContext(vault), &vaultNonce), vault); err != nil {
		return fmt.Errorf("set vault: %w", err)
	}
	got, err := d.FetchVault(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch vault: %w", err)
	}
	fmt.Printf("vault v%d: %q\n", got.VaultVersion, got.Vault)

	name, err := idtypes.NewChatName(room)
	if err != nil {
		return err
	}
	if err := d.CreateChat(ctx, id, name); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	chatNonce := uint64(1)
	if err := d.SendMessage(ctx, name, proof.New(priv, pub, proof.ChatContext(name), &chatNonce), []byte("hi")); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	page, err := d.FetchMessages(ctx, name, blob.NoCursor)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	fmt.Printf("history: %d bytes, cursor %d\n", len(page.Messages), page.Cursor)
	return nil
}

const maxFrame = 4 << 20

// tcpStream mirrors the node's framed TCP adapter: [len:u32 BE][payload].
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
