package zmqutil

import (
	"crypto/rand"
	"testing"

	zmq "github.com/pebbe/zmq4"
)

const (
	defaultAddress = "127.0.0.1:9876"
	defaultTimeout = 0
)

func setupTestClient() *Client {
	publicKey := make([]byte, publicKeySize)
	privateKey := make([]byte, privateKeySize)
	_, _ = rand.Read(publicKey)
	_, _ = rand.Read(privateKey)
	client, _ := NewClient(zmq.SUB, privateKey, publicKey, defaultTimeout)
	return client
}

func teardownTestClient(c *Client) {
	_ = c.Close()
}

func TestClientConnectTracksAddress(t *testing.T) {
	client := setupTestClient()
	defer teardownTestClient(client)

	serverKey := make([]byte, publicKeySize)
	_, _ = rand.Read(serverKey)

	if client.IsConnected() {
		t.Fatalf("client reports connected before Connect was called")
	}

	if err := client.Connect(defaultAddress, false, serverKey); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if !client.IsConnected() {
		t.Errorf("client does not report connected after Connect")
	}
	if client.String() != "tcp://"+defaultAddress {
		t.Errorf("unexpected address: %s", client.String())
	}
}
