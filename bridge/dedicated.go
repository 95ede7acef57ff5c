package bridge

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/forgebots/devbridge/frame"
	"github.com/forgebots/devbridge/session"
)

// analysisRunner is the dedicated-mode bridge: one WebSocket connection wired
// to one private language-analysis process. Client messages are re-framed
// onto the process stdin; framed bodies coming back on stdout are forwarded
// as individual WebSocket messages. Whichever side goes away first tears the
// other one down; double teardown is a no-op.
type analysisRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	command []string
	workDir string
	grace   time.Duration

	proc  *session.Proc
	stdin io.Writer

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (r *analysisRunner) run() {
	proc, err := session.StartProc(r.log.Named("proc"), r.command, r.workDir, r.grace)
	if err != nil {
		r.log.Debugf("error spawning analysis process: %s", err)
		r.close(websocket.StatusInternalError, err.Error())
		return
	}
	r.proc = proc
	r.stdin = &frame.Writer{W: proc}
	r.log.Debugw("analysis process started", "PID", proc.PID(), "WorkDir", r.workDir)

	r.wg.Add(3)
	go r.readClient()
	go r.pumpStdout()
	go r.drainStderr()
	r.wg.Wait()

	// Both directions are done; make sure neither side lingers.
	r.proc.Terminate()
	r.close(websocket.StatusNormalClosure, "")
}

func (r *analysisRunner) close(code websocket.StatusCode, reason string) {
	// websocket close reasons can't exceed 123 bytes
	if len(reason) > 100 {
		reason = reason[:100]
	}
	r.closeOnce.Do(func() {
		if err := r.conn.Close(code, reason); err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

// readClient forwards client messages to the process stdin, one frame per
// message. A client disconnect terminates the process.
func (r *analysisRunner) readClient() {
	defer r.wg.Done()
	defer r.cancel()

	for {
		_, data, err := r.conn.Read(r.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				r.log.Debug("client closed analysis conn")
			} else {
				r.log.Debugf("client read error: %s", err)
			}
			r.proc.Terminate()
			return
		}
		if _, err := r.stdin.Write(data); err != nil {
			r.log.Debugf("stdin write error: %s", err)
			r.close(websocket.StatusInternalError, "analysis process stdin closed")
			return
		}
	}
}

// pumpStdout feeds process output through the frame decoder and forwards each
// complete body to the client. A framing error is fatal to this stream: the
// connection is closed with the reason and the process is terminated.
func (r *analysisRunner) pumpStdout() {
	defer r.wg.Done()

	var dec frame.Decoder
	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.proc.Stdout().Read(buf)
		if n > 0 {
			bodies, err := dec.Feed(buf[:n])
			for _, body := range bodies {
				if werr := r.conn.Write(r.ctx, websocket.MessageText, body); werr != nil {
					r.log.Debugf("client write error: %s", werr)
					r.proc.Terminate()
					r.cancel()
					return
				}
			}
			if err != nil {
				r.log.Debugf("framing error on analysis stdout: %s", err)
				r.close(websocket.StatusInternalError, err.Error())
				r.proc.Terminate()
				r.cancel()
				return
			}
		}
		if readErr != nil {
			// EOF: the process exited; close our side.
			r.close(websocket.StatusNormalClosure, "")
			r.cancel()
			return
		}
	}
}

// drainStderr keeps the stderr pipe from filling up; the analysis tool logs
// startup noise there.
func (r *analysisRunner) drainStderr() {
	defer r.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := r.proc.Stderr().Read(buf)
		if n > 0 {
			r.log.Debugf("analysis stderr: %s", buf[:n])
		}
		if err != nil {
			return
		}
	}
}
