// Copyright (c) 2014-2016 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package zmqutil

import (
	"bytes"
	"crypto/rand"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/dfrws/hashdb/fault"
)

// Client holds a CurveZMQ client connection used to dial a scan
// server's listening socket.
type Client struct {
	publicKey       []byte
	privateKey      []byte
	serverPublicKey []byte
	address         string
	v6              bool
	socketType      zmq.Type
	socket          *zmq.Socket
	poller          *Poller
	events          zmq.State
	timeout         time.Duration
	timestamp       time.Time
}

const (
	publicKeySize  = 32
	privateKeySize = 32
	identifierSize = 32
)

type globalClientDataType struct {
	sync.Mutex
	clients map[*zmq.Socket]*Client
}

var globalClientData = globalClientDataType{
	clients: make(map[*zmq.Socket]*Client),
}

// NewClient creates a client socket, usually of type zmq.REQ.
func NewClient(socketType zmq.Type, privateKey []byte, publicKey []byte, timeout time.Duration) (*Client, error) {

	if len(publicKey) != publicKeySize {
		return nil, fault.ErrInvalidPublicKey
	}
	if len(privateKey) != privateKeySize {
		return nil, fault.ErrInvalidPrivateKey
	}

	client := &Client{
		publicKey:       make([]byte, publicKeySize),
		privateKey:      make([]byte, privateKeySize),
		serverPublicKey: make([]byte, publicKeySize),
		address:         "",
		v6:              false,
		socketType:      socketType,
		socket:          nil,
		poller:          nil,
		events:          0,
		timeout:         timeout,
		timestamp:       time.Now(),
	}
	copy(client.privateKey, privateKey)
	copy(client.publicKey, publicKey)
	return client, nil
}

// create a socket and connect to specific server with specifed key
func (client *Client) openSocket() error {

	socket, err := zmq.NewSocket(client.socketType)
	if nil != err {
		return err
	}

	randomIDBytes := make([]byte, identifierSize)
	_, err = rand.Read(randomIDBytes)
	if nil != err {
		return err
	}
	randomIdentifier := string(randomIDBytes)

	err = socket.SetCurveServer(0)
	if nil != err {
		goto failure
	}
	err = socket.SetCurvePublickey(string(client.publicKey))
	if nil != err {
		goto failure
	}
	err = socket.SetCurveSecretkey(string(client.privateKey))
	if nil != err {
		goto failure
	}

	err = socket.SetIdentity(randomIdentifier)
	if nil != err {
		goto failure
	}

	err = socket.SetCurveServerkey(string(client.serverPublicKey))
	if nil != err {
		goto failure
	}

	if 0 != client.timeout {
		err = socket.SetSndtimeo(client.timeout)
		if nil != err {
			goto failure
		}
		err = socket.SetRcvtimeo(client.timeout)
		if nil != err {
			goto failure
		}
	}
	err = socket.SetLinger(0)
	if nil != err {
		goto failure
	}

	switch client.socketType {
	case zmq.REQ:
		err = socket.SetReqCorrelate(1)
		if nil != err {
			goto failure
		}
		err = socket.SetReqRelaxed(1)
		if nil != err {
			goto failure
		}

	case zmq.SUB:
		err = socket.SetSubscribe("")
		if nil != err {
			goto failure
		}

	default:
	}

	err = socket.SetHeartbeatIvl(heartbeatInterval)
	if nil != err && zmq.ErrorNotImplemented42 != err {
		goto failure
	}
	err = socket.SetHeartbeatTimeout(heartbeatTimeout)
	if nil != err && zmq.ErrorNotImplemented42 != err {
		goto failure
	}
	err = socket.SetHeartbeatTtl(heartbeatTTL)
	if nil != err && zmq.ErrorNotImplemented42 != err {
		goto failure
	}

	err = socket.SetIpv6(client.v6)
	if nil != err {
		goto failure
	}

	err = socket.Connect(client.address)
	if nil != err {
		goto failure
	}

	client.socket = socket

	globalClientData.Lock()
	globalClientData.clients[socket] = client
	globalClientData.Unlock()

	if nil != client.poller {
		client.poller.Add(client.socket, client.events)
	}
	return nil
failure:
	socket.Close()
	return err
}

func (client *Client) closeSocket() error {

	if nil == client.socket {
		return nil
	}

	if nil != client.poller {
		client.poller.Remove(client.socket)
	}

	if "" != client.address {
		client.socket.Disconnect(client.address)
	}

	globalClientData.Lock()
	delete(globalClientData.clients, client.socket)
	globalClientData.Unlock()

	err := client.socket.Close()
	client.socket = nil
	return err
}

// Connect disconnects any existing connection and dials address
// (a "host:port" pair, bracketed for IPv6) authenticated against
// serverPublicKey.
func (client *Client) Connect(address string, v6 bool, serverPublicKey []byte) error {

	err := client.closeSocket()
	if nil != err {
		return err
	}
	client.address = ""

	time.Sleep(5 * time.Millisecond)

	copy(client.serverPublicKey, serverPublicKey)

	client.address = "tcp://" + address
	client.v6 = v6

	client.timestamp = time.Now()

	return client.openSocket()
}

// IsConnected reports whether the client currently holds an address.
func (client *Client) IsConnected() bool {
	return "" != client.address
}

// IsConnectedTo reports whether the server public key the client last
// connected with matches serverPublicKey (identity comparison used by
// connection pools).
func (client *Client) IsConnectedTo(serverPublicKey []byte) bool {
	return bytes.Equal(client.serverPublicKey, serverPublicKey)
}

// Reconnect closes and reopens the connection.
func (client *Client) Reconnect() error {
	_, err := client.ReconnectReturningSocket()
	return err
}

// ReconnectReturningSocket closes and reopens the connection,
// returning the new underlying socket.
func (client *Client) ReconnectReturningSocket() (*zmq.Socket, error) {

	err := client.closeSocket()
	if nil != err {
		return nil, err
	}
	err = client.openSocket()
	if nil != err {
		return nil, err
	}
	return client.socket, nil
}

// Close disconnects and releases the client's socket.
func (client *Client) Close() error {
	return client.closeSocket()
}

// CloseClients closes every client in clients.
func CloseClients(clients []*Client) {
	for _, client := range clients {
		if nil != client {
			client.Close()
		}
	}
}

// Send writes items as a multipart message, the last item unflagged.
func (client *Client) Send(items ...interface{}) error {
	if "" == client.address {
		return fault.ErrNotConnected
	}

	last := len(items) - 1
	for i, item := range items {

		flag := zmq.SNDMORE
		if i == last {
			flag = 0
		}
		switch it := item.(type) {
		case string:
			_, err := client.socket.Send(it, flag)
			if nil != err {
				return err
			}
		case []byte:
			_, err := client.socket.SendBytes(it, flag)
			if nil != err {
				return err
			}
		}
	}
	return nil
}

// Receive reads a full multipart reply.
func (client *Client) Receive(flags zmq.Flag) ([][]byte, error) {
	if "" == client.address {
		return nil, fault.ErrNotConnected
	}
	data, err := client.socket.RecvMessageBytes(flags)
	return data, err
}

// BeginPolling registers the client's socket with poller.
func (client *Client) BeginPolling(poller *Poller, events zmq.State) *zmq.Socket {

	if nil != client.poller && nil != client.socket {
		client.poller.Remove(client.socket)
	}

	client.poller = poller
	client.events = events
	if nil != client.socket {
		poller.Add(client.socket, events)
	}
	return client.socket
}

// String returns the client's dialed address.
func (client Client) String() string {
	return client.address
}

// ClientFromSocket finds the Client owning socket, if any.
func ClientFromSocket(socket *zmq.Socket) *Client {
	globalClientData.Lock()
	client := globalClientData.clients[socket]
	globalClientData.Unlock()
	return client
}
