package xen

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Default xenstored endpoints, tried in order.
var XenstoreSockets = []string{
	"/run/xenstored/socket",
	"/var/run/xenstored/socket",
}

// xenstore wire message types (xs_wire.h).
const (
	xsDirectory uint32 = 1
	xsRead      uint32 = 2
	xsError     uint32 = 16

	xsHeaderSize  = 16
	xsPayloadMax  = 4096
	xsDialTimeout = 5 * time.Second
)

// xsHeader is struct xsd_sockmsg.
type xsHeader struct {
	Type  uint32
	ReqID uint32
	TxID  uint32
	Len   uint32
}

// Xenstore is a minimal xenstored client speaking the socket protocol: enough
// to list and read keys outside a transaction. It is safe for concurrent use;
// requests are serialized.
type Xenstore struct {
	mu    sync.Mutex
	conn  io.ReadWriteCloser
	reqID uint32
	names *lru.Cache
}

// DialXenstore connects to the first reachable socket in XenstoreSockets.
func DialXenstore() (*Xenstore, error) {
	var lastErr error
	for _, path := range XenstoreSockets {
		conn, err := net.DialTimeout("unix", path, xsDialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		return NewXenstore(conn)
	}
	return nil, fmt.Errorf("connect to xenstored: %w", lastErr)
}

// NewXenstore wraps an established xenstored connection.
func NewXenstore(conn io.ReadWriteCloser) (*Xenstore, error) {
	names, err := lru.New(64)
	if err != nil {
		return nil, err
	}
	return &Xenstore{conn: conn, names: names}, nil
}

func (x *Xenstore) Close() error {
	return x.conn.Close()
}

func (x *Xenstore) request(typ uint32, path string) ([]byte, error) {
	payload := append([]byte(path), 0)
	if len(payload) > xsPayloadMax {
		return nil, fmt.Errorf("xenstore path too long: %d bytes", len(payload))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.reqID++
	hdr := xsHeader{Type: typ, ReqID: x.reqID, Len: uint32(len(payload))}
	var buf bytes.Buffer
	binary.Write(&buf, binary.NativeEndian, hdr)
	buf.Write(payload)
	if _, err := x.conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("xenstore write: %w", err)
	}

	var rsp xsHeader
	if err := binary.Read(x.conn, binary.NativeEndian, &rsp); err != nil {
		return nil, fmt.Errorf("xenstore read header: %w", err)
	}
	if rsp.Len > xsPayloadMax {
		return nil, fmt.Errorf("xenstore reply of %d bytes", rsp.Len)
	}
	body := make([]byte, rsp.Len)
	if _, err := io.ReadFull(x.conn, body); err != nil {
		return nil, fmt.Errorf("xenstore read body: %w", err)
	}
	if rsp.Type == xsError {
		return nil, fmt.Errorf("xenstore %s: %s", path, strings.TrimRight(string(body), "\x00"))
	}
	if rsp.Type != typ || rsp.ReqID != hdr.ReqID {
		return nil, fmt.Errorf("xenstore reply type %d id %d for request type %d id %d",
			rsp.Type, rsp.ReqID, typ, hdr.ReqID)
	}
	return body, nil
}

// Directory lists the children of path.
func (x *Xenstore) Directory(path string) ([]string, error) {
	body, err := x.request(xsDirectory, path)
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, e := range bytes.Split(body, []byte{0}) {
		if len(e) > 0 {
			entries = append(entries, string(e))
		}
	}
	return entries, nil
}

// Read returns the value at path.
func (x *Xenstore) Read(path string) (string, error) {
	body, err := x.request(xsRead, path)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(body, "\x00")), nil
}

// DomainIDFromName scans /local/domain for a domain called name. Results
// are cached; a miss returns ErrNoSuchDomain.
func (x *Xenstore) DomainIDFromName(name string) (DomainID, error) {
	if v, ok := x.names.Get(name); ok {
		return v.(DomainID), nil
	}
	doms, err := x.Directory("/local/domain")
	if err != nil {
		return 0, err
	}
	for _, d := range doms {
		n, err := x.Read("/local/domain/" + d + "/name")
		if err != nil {
			// Domains can disappear between the listing and the read.
			continue
		}
		if n != name {
			continue
		}
		id, err := strconv.ParseUint(d, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("parse domain id %q: %w", d, err)
		}
		x.names.Add(name, DomainID(id))
		return DomainID(id), nil
	}
	return 0, fmt.Errorf("domain %q: %w", name, ErrNoSuchDomain)
}

// NameResolver maps domain names to ids. *Xenstore is one.
type NameResolver interface {
	DomainIDFromName(name string) (DomainID, error)
}

// ResolveDomain accepts a numeric id or a domain name. Names need a
// non-nil resolver.
func ResolveDomain(x NameResolver, s string) (DomainID, error) {
	if id, err := strconv.ParseUint(s, 10, 32); err == nil {
		return DomainID(id), nil
	}
	if x == nil {
		return 0, fmt.Errorf("domain %q: name lookup needs xenstore: %w", s, ErrNoSuchDomain)
	}
	return x.DomainIDFromName(s)
}
