// Command mock-agent is a minimal Nox agent used in development and tests.
// It speaks the NDJSON stdin/stdout protocol: announces readiness, emits
// heartbeats, echoes messages and walks assigned tasks to completion.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/noxlabs/nox/pkg/agentproto"
)

func main() {
	heartbeat := flag.Duration("heartbeat", 10*time.Second, "heartbeat interval")
	taskDelay := flag.Duration("task-delay", 100*time.Millisecond, "simulated work per task step")
	flag.Parse()

	agentID := os.Getenv("NOX_AGENT_ID")
	if agentID == "" {
		agentID = "mock-agent"
	}

	a := &agent{
		id:        agentID,
		out:       newFrameWriter(os.Stdout),
		taskDelay: *taskDelay,
	}

	a.emit(&agentproto.AgentFrame{Kind: agentproto.AgentReady, AgentID: agentID})

	stop := make(chan struct{})
	go a.heartbeatLoop(*heartbeat, stop)

	a.readLoop(os.Stdin)
	close(stop)
}

type agent struct {
	id        string
	out       *frameWriter
	taskDelay time.Duration
}

func (a *agent) readLoop(r io.Reader) {
	dec := json.NewDecoder(r)
	for {
		var frame agentproto.ControlFrame
		if err := dec.Decode(&frame); err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "decode: %v\n", err)
			}
			return
		}

		switch frame.Kind {
		case agentproto.ControlMessage:
			a.handleMessage(&frame)
		case agentproto.ControlTask:
			a.handleTask(&frame)
		case agentproto.ControlShutdown:
			a.emit(&agentproto.AgentFrame{
				Kind: agentproto.AgentLog, AgentID: a.id,
				Level: "info", Content: "shutting down",
			})
			return
		}
	}
}

func (a *agent) handleMessage(frame *agentproto.ControlFrame) {
	if frame.Message == nil {
		return
	}
	a.emit(&agentproto.AgentFrame{
		Kind:      agentproto.AgentResponse,
		AgentID:   a.id,
		InReplyTo: frame.Message.ID,
		Content:   "ack: " + frame.Message.Content,
	})
}

// handleTask reports staged progress and then completes the task.
func (a *agent) handleTask(frame *agentproto.ControlFrame) {
	if frame.Task == nil {
		return
	}
	for _, p := range []int{25, 50, 75} {
		time.Sleep(a.taskDelay)
		progress := p
		a.emit(&agentproto.AgentFrame{
			Kind:     agentproto.AgentResponse,
			AgentID:  a.id,
			TaskID:   frame.Task.TaskID,
			Progress: &progress,
		})
	}
	time.Sleep(a.taskDelay)
	a.emit(&agentproto.AgentFrame{
		Kind:    agentproto.AgentResponse,
		AgentID: a.id,
		TaskID:  frame.Task.TaskID,
		Content: "done: " + frame.Task.Title,
	})
}

func (a *agent) heartbeatLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.emit(&agentproto.AgentFrame{Kind: agentproto.AgentHeartbeat, AgentID: a.id})
		}
	}
}

func (a *agent) emit(frame *agentproto.AgentFrame) {
	frame.Timestamp = time.Now().UTC()
	if err := a.out.write(frame); err != nil {
		fmt.Fprintf(os.Stderr, "emit: %v\n", err)
	}
}

// frameWriter writes agent frames as NDJSON lines.
type frameWriter struct {
	w io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

func (fw *frameWriter) write(frame *agentproto.AgentFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(append(data, '\n'))
	return err
}
