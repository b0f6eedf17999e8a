// Package scanserver exposes a ScanManager over a CurveZMQ REP socket
// so a remote analyst tool can submit bulk scan requests without
// linking against the store packages directly (§6). The accept loop
// and its CurveZMQ setup are grounded on the teacher's peer listener:
// one or two bound sockets (IPv4/IPv6) plus an inproc signal pair so
// Stop can unblock a socket poll that would otherwise block forever.
package scanserver

import (
	"sort"
	"sync/atomic"

	"github.com/bitmark-inc/logger"
	zmq "github.com/pebbe/zmq4"

	"github.com/dfrws/hashdb/background"
	"github.com/dfrws/hashdb/codec"
	"github.com/dfrws/hashdb/fault"
	"github.com/dfrws/hashdb/manager"
	"github.com/dfrws/hashdb/zmqutil"
)

const zapDomain = "scan"

var signalCounter uint64

// Server answers the §6 scan wire protocol for one database directory
// until Stop is called.
type Server struct {
	manager *manager.ScanManager
	log     *logger.L
	push    *zmq.Socket
	pull    *zmq.Socket
	socket4 *zmq.Socket
	socket6 *zmq.Socket
	bg      *background.T
}

// New opens dir read-only and binds a REP socket on every address in
// listen, using privateKey/publicKey as the server's own CurveZMQ key
// pair (raw 32-byte keys, as zmqutil.ReadPrivateKey/ReadPublicKey
// return them); the ZAP domain accepts any client key.
func New(dir string, listen []string, privateKey []byte, publicKey []byte, log *logger.L) (*Server, error) {
	sm, err := manager.OpenScanManager(dir)
	if err != nil {
		return nil, err
	}

	signal := "inproc://hashdb-scanserver-" + itoa(atomic.AddUint64(&signalCounter, 1))
	push, pull, err := zmqutil.NewSignalPair(signal)
	if err != nil {
		sm.Close()
		return nil, err
	}

	socket4, socket6, err := zmqutil.NewBind(log, zmq.REP, zapDomain, privateKey, publicKey, listen)
	if err != nil {
		push.Close()
		pull.Close()
		sm.Close()
		return nil, err
	}

	return &Server{
		manager: sm,
		log:     log,
		push:    push,
		pull:    pull,
		socket4: socket4,
		socket6: socket6,
	}, nil
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Start begins accepting requests in a background goroutine.
func (s *Server) Start() {
	s.bg = background.Start(background.Processes{s.run}, nil)
}

// Stop signals the accept loop to exit, waits for it, and releases
// the underlying ScanManager.
func (s *Server) Stop() error {
	if s.bg != nil {
		background.Stop(s.bg)
	}
	return s.manager.Close()
}

func (s *Server) run(args interface{}, shutdown <-chan bool, done chan<- bool) {
	defer close(done)

	stopped := make(chan bool)
	go s.poll(stopped)

	<-shutdown
	s.push.SendMessage("stop")
	<-stopped
}

func (s *Server) poll(stopped chan<- bool) {
	defer close(stopped)

	poller := zmqutil.NewPoller()
	if s.socket4 != nil {
		poller.Add(s.socket4, zmq.POLLIN)
	}
	if s.socket6 != nil {
		poller.Add(s.socket6, zmq.POLLIN)
	}
	poller.Add(s.pull, zmq.POLLIN)

loop:
	for {
		polled, err := poller.Poll(-1)
		if err != nil {
			s.log.Errorf("poll error: %v", err)
			break loop
		}
		for _, p := range polled {
			switch p.Socket {
			case s.socket4:
				s.process(s.socket4)
			case s.socket6:
				s.process(s.socket6)
			case s.pull:
				s.pull.RecvMessageBytes(0)
				break loop
			}
		}
	}

	s.pull.Close()
	if s.socket4 != nil {
		s.socket4.Close()
	}
	if s.socket6 != nil {
		s.socket6.Close()
	}
}

// process handles one request: frame 0 is a one-byte verb, the
// remaining frames are its parameters. The reply always echoes the
// verb in frame 0 (or "E" plus a message frame on error).
func (s *Server) process(socket *zmq.Socket) {
	frames, err := socket.RecvMessageBytes(0)
	if err != nil {
		s.log.Errorf("receive error: %v", err)
		return
	}
	if len(frames) < 1 {
		sendError(socket, fault.ErrUnknownRequest)
		return
	}

	verb := string(frames[0])
	parameters := frames[1:]

	switch verb {
	case "S": // bulk scan: array of block-hash byte strings
		s.scan(socket, parameters)
	default:
		sendError(socket, fault.ErrUnknownRequest)
	}
}

// scan answers the bulk scan wire protocol (§6): parameters is one
// block-hash frame per index; the reply carries one (index, count)
// varint-pair frame per matched index, in ascending index order, and
// omits every index with a zero count.
func (s *Server) scan(socket *zmq.Socket, hashes [][]byte) {
	matches, err := s.manager.Scan(hashes)
	if err != nil {
		sendError(socket, err)
		return
	}

	indices := make([]int, 0, len(matches))
	for i := range matches {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	reply := make([][]byte, 0, 1+len(indices))
	reply = append(reply, []byte("S"))
	for _, i := range indices {
		var buf []byte
		buf = codec.PutUvarint(buf, uint64(i))
		buf = codec.PutUvarint(buf, matches[i])
		reply = append(reply, buf)
	}
	sendFrames(socket, reply)
}

func sendFrames(socket *zmq.Socket, frames [][]byte) {
	last := len(frames) - 1
	for i, frame := range frames {
		flag := zmq.SNDMORE
		if i == last {
			flag = 0
		}
		if _, err := socket.SendBytes(frame, flag); err != nil {
			fault.PanicIfError("scanserver send", err)
		}
	}
}

func sendError(socket *zmq.Socket, err error) {
	sendFrames(socket, [][]byte{[]byte("E"), []byte(err.Error())})
}
