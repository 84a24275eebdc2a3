package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	pjson "github.com/pinpt/go-common/v10/json"
	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/sdk"
)

// Notifier posts a slack style {"text":...} message when a sync fails and again once a sync
// succeeds after a failure. The same error is only reported once.
type Notifier struct {
	logger    log.Logger
	client    sdk.HTTPClient
	agentName string

	mu        sync.Mutex
	lastError string
	wg        sync.WaitGroup
}

// Handle is a sdk.Subscriber
func (n *Notifier) Handle(evt sdk.Event) {
	if evt.Type != sdk.EventStatus || evt.Status == sdk.StatusRunning {
		return
	}
	sess := evt.Session
	args := []interface{}{"agent_name", n.agentName, "id", sess.ID, "mode", sess.Mode, "records", sess.Records}
	n.mu.Lock()
	defer n.mu.Unlock()
	if evt.Status == sdk.StatusError {
		if sess.Error == n.lastError {
			// don't send it again
			return
		}
		n.lastError = sess.Error
		args = append(args, "error", sess.Error)
		n.send(formatMessage("⚠️ *"+n.agentName+"* error running "+string(sess.Mode)+" sync", args...))
		return
	}
	if n.lastError != "" && sess.Outcome == sdk.OutcomeCompleted {
		n.lastError = ""
		n.send(formatMessage("🎉  *"+n.agentName+"* the previous sync error has been fixed!", args...))
	}
}

func (n *Notifier) send(msg string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		body := pjson.Stringify(map[string]string{"text": msg})
		if _, err := n.client.Post(context.Background(), bytes.NewReader([]byte(body)), nil); err != nil {
			log.Error(n.logger, "error sending notification", "err", err)
		}
	}()
}

// Wait blocks until pending notifications have been sent
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func formatMessage(msg string, args ...interface{}) string {
	parts := []string{}
	var val string
	for i, m := range args {
		if i%2 != 0 {
			b, _ := json.Marshal(m)
			val += "=" + string(b)
			parts = append(parts, val)
		} else {
			val = fmt.Sprint(m)
		}
	}
	if len(args)%2 != 0 {
		val += "=(MISSING)"
		parts = append(parts, val)
	}
	sort.Strings(parts)
	return msg + " ```" + strings.Join(parts, "\n") + "```"
}

// NewNotifier returns a notifier posting with client
func NewNotifier(logger log.Logger, client sdk.HTTPClient, agentName string) *Notifier {
	return &Notifier{
		logger:    log.With(logger, "pkg", "notify"),
		client:    client,
		agentName: agentName,
	}
}
