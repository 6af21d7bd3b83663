package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/collab"
)

func receiveFrame(t *testing.T, connection *HubConnection) outboundFrame {
	t.Helper()
	select {
	case raw := <-connection.Outbound():
		var frame outboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("invalid frame: %v", err)
		}
		return frame
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected frame within deadline")
	}
	return outboundFrame{}
}

func TestConnectionHubSendsToUserConnectionsOnPage(t *testing.T) {
	hub := NewConnectionHub(nil)
	first := hub.Register("user-1", "page-1")
	defer first.Close()
	second := hub.Register("user-1", "page-1")
	defer second.Close()
	other := hub.Register("user-2", "page-1")
	defer other.Close()

	payload := collab.ErrorPayload{Code: collab.CodeLockContention, Retryable: true}
	if err := hub.SendTo(context.Background(), "page-1", "user-1", collab.TopicErrors, payload); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	for _, connection := range []*HubConnection{first, second} {
		frame := receiveFrame(t, connection)
		if frame.Topic != collab.TopicErrors || frame.PageID != "page-1" {
			t.Fatalf("unexpected frame %+v", frame)
		}
		var received collab.ErrorPayload
		if err := json.Unmarshal(frame.Payload, &received); err != nil || received.Code != collab.CodeLockContention {
			t.Fatalf("unexpected payload %s (%v)", frame.Payload, err)
		}
	}

	select {
	case <-other.Outbound():
		t.Fatal("did not expect a frame for an unrelated user")
	default:
	}
}

func TestConnectionHubKeepsPrivateFramesOnTheirPage(t *testing.T) {
	hub := NewConnectionHub(nil)
	onPageOne := hub.Register("user-1", "page-1")
	defer onPageOne.Close()
	onPageTwo := hub.Register("user-1", "page-2")
	defer onPageTwo.Close()

	snapshot := collab.SessionPayload{PageID: "page-2", CurrentVersion: 4}
	if err := hub.SendTo(context.Background(), "page-2", "user-1", collab.TopicSession, snapshot); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	frame := receiveFrame(t, onPageTwo)
	if frame.Topic != collab.TopicSession || frame.PageID != "page-2" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	select {
	case raw := <-onPageOne.Outbound():
		t.Fatalf("page-1 connection received a page-2 frame: %s", raw)
	default:
	}
}

func TestHubConnectionSendTargetsSingleConnection(t *testing.T) {
	hub := NewConnectionHub(nil)
	first := hub.Register("user-1", "page-1")
	defer first.Close()
	second := hub.Register("user-1", "page-1")
	defer second.Close()

	if err := first.Send(collab.TopicErrors, collab.ErrorPayload{Code: collab.CodeInvalidRequest}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if frame := receiveFrame(t, first); frame.PageID != "page-1" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	select {
	case raw := <-second.Outbound():
		t.Fatalf("sibling connection received %s", raw)
	default:
	}
}

func TestConnectionHubCloseIsSafe(t *testing.T) {
	hub := NewConnectionHub(nil)
	connection := hub.Register("user-1", "page-1")

	if !connection.Close() {
		t.Fatalf("sole connection must report last on page")
	}
	if connection.Close() {
		t.Fatalf("second close must not report last on page")
	}
	connection.Enqueue([]byte(`{}`))
	if err := hub.SendTo(context.Background(), "page-1", "user-1", collab.TopicErrors, collab.ErrorPayload{}); err != nil {
		t.Fatalf("send after close failed: %v", err)
	}

	if _, ok := <-connection.Outbound(); ok {
		t.Fatalf("expected closed outbound queue")
	}
}

func TestConnectionHubCloseReportsLastOnPage(t *testing.T) {
	hub := NewConnectionHub(nil)
	elsewhere := hub.Register("user-1", "page-2")
	defer elsewhere.Close()
	first := hub.Register("user-1", "page-1")
	second := hub.Register("user-1", "page-1")

	if first.Close() {
		t.Fatalf("a sibling on the page remains open")
	}
	if !second.Close() {
		t.Fatalf("the connection on page-2 must not count for page-1")
	}
}

func TestConnectionHubConcurrentClosesElectOneLast(t *testing.T) {
	hub := NewConnectionHub(nil)
	for round := 0; round < 50; round++ {
		connections := []*HubConnection{
			hub.Register("user-1", "page-1"),
			hub.Register("user-1", "page-1"),
			hub.Register("user-1", "page-1"),
		}
		results := make(chan bool, len(connections))
		var wg sync.WaitGroup
		for _, connection := range connections {
			wg.Add(1)
			go func(connection *HubConnection) {
				defer wg.Done()
				results <- connection.Close()
			}(connection)
		}
		wg.Wait()
		close(results)

		last := 0
		for result := range results {
			if result {
				last++
			}
		}
		if last != 1 {
			t.Fatalf("round %d: expected exactly one last connection, got %d", round, last)
		}
	}
}

func TestConnectionHubDropsWhenQueueFull(t *testing.T) {
	hub := NewConnectionHub(nil)
	connection := hub.Register("user-1", "page-1")
	defer connection.Close()

	for index := 0; index < defaultConnectionBuffer+5; index++ {
		connection.Enqueue([]byte(`{}`))
	}
	if len(connection.Outbound()) != defaultConnectionBuffer {
		t.Fatalf("expected queue to cap at %d, got %d", defaultConnectionBuffer, len(connection.Outbound()))
	}
}
