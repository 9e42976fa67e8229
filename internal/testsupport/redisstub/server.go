// Package redisstub provides a minimal in-process RESP server implementing
// the string commands the publisher registry relies on (SET with NX/XX/PX,
// GET, DEL, PTTL). It exists so registry tests can exercise the real Redis
// client without an external server.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options controls authentication and transport security for the stub.
type Options struct {
	Password  string
	EnableTLS bool
}

// Server is one listening stub instance.
type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*entry
	closed   chan struct{}
	certPEM  []byte
	keyPEM   []byte
}

type entry struct {
	value  string
	expiry time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// Start launches the stub on a random loopback port.
func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:   opts,
		kv:     make(map[string]*entry),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// CertPEM returns the PEM-encoded self-signed certificate when TLS is on.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Close stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			_ = writeError(writer, "ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			_ = writeSimpleString(writer, "PONG")
		case "HELLO":
			// Answer with an error so clients fall back to RESP2.
			_ = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT":
			_ = writeSimpleString(writer, "OK")
		case "SELECT":
			_ = writeSimpleString(writer, "OK")
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				_ = writeError(writer, "ERR wrong number of arguments for 'auth'")
				continue
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				_ = writeSimpleString(writer, "OK")
			} else {
				_ = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		default:
			if !authenticated {
				_ = writeError(writer, "NOAUTH Authentication required.")
				continue
			}
			s.dispatch(writer, cmd, args)
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) {
	switch cmd {
	case "SET":
		s.handleSet(writer, args)
	case "GET":
		if len(args) != 2 {
			_ = writeError(writer, "ERR wrong number of arguments for 'get'")
			return
		}
		value, ok := s.get(args[1])
		if !ok {
			_ = writeNil(writer)
			return
		}
		_ = writeBulkString(writer, value)
	case "DEL":
		if len(args) < 2 {
			_ = writeError(writer, "ERR wrong number of arguments for 'del'")
			return
		}
		_ = writeInteger(writer, s.del(args[1:]))
	case "PTTL":
		if len(args) != 2 {
			_ = writeError(writer, "ERR wrong number of arguments for 'pttl'")
			return
		}
		_ = writeInteger(writer, s.pttl(args[1]))
	default:
		_ = writeError(writer, "ERR unsupported command '"+cmd+"'")
	}
}

// handleSet implements SET key value [NX|XX] [EX s|PX ms].
func (s *Server) handleSet(writer *bufio.Writer, args []string) {
	if len(args) < 3 {
		_ = writeError(writer, "ERR wrong number of arguments for 'set'")
		return
	}
	key, value := args[1], args[2]
	var (
		nx, xx bool
		ttl    time.Duration
	)
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "EX", "PX":
			if i+1 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				_ = writeError(writer, "ERR value is not an integer")
				return
			}
			if strings.ToUpper(args[i]) == "EX" {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		default:
			_ = writeError(writer, "ERR syntax error")
			return
		}
	}

	s.mu.Lock()
	now := time.Now()
	existing, ok := s.kv[key]
	if ok && existing.expired(now) {
		delete(s.kv, key)
		ok = false
	}
	if (nx && ok) || (xx && !ok) {
		s.mu.Unlock()
		_ = writeNil(writer)
		return
	}
	next := &entry{value: value}
	if ttl > 0 {
		next.expiry = now.Add(ttl)
	}
	s.kv[key] = next
	s.mu.Unlock()
	_ = writeSimpleString(writer, "OK")
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if existing.expired(time.Now()) {
		delete(s.kv, key)
		return "", false
	}
	return existing.value, true
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	now := time.Now()
	for _, key := range keys {
		existing, ok := s.kv[key]
		if !ok {
			continue
		}
		delete(s.kv, key)
		if !existing.expired(now) {
			removed++
		}
	}
	return removed
}

func (s *Server) pttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.kv[key]
	if !ok {
		return -2
	}
	if existing.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(existing.expiry)
	if remaining <= 0 {
		delete(s.kv, key)
		return -2
	}
	return remaining.Milliseconds()
}

// Expire forces a key's remaining lifetime, letting tests trigger TTL expiry
// without waiting for real time to pass.
func (s *Server) Expire(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.kv[key]; ok {
		existing.expiry = time.Now().Add(ttl)
	}
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	for read := 0; read < len(buf); {
		n, err := r.Read(buf[read:])
		if err != nil {
			return "", err
		}
		read += n
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, message string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", message); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}
