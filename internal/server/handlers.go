package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Tyrowin/relaychat/internal/apperr"
	"github.com/Tyrowin/relaychat/internal/relay"
	"github.com/Tyrowin/relaychat/internal/store"
)

// handleWebSocket upgrades the request and runs the session on the
// request goroutine until it terminates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !s.track() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sessions.Done()
		s.log.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(uuid.NewString(), conn, r.RemoteAddr, s.cfg.SendBufferSize, s.cfg.MaxMessageSize, s.log)
	client.log.Info("Client connected")
	s.serveClient(client)
}

// handleHealth provides a simple health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "RelayChat server is running!")
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) error {
	if s.store == nil {
		return apperr.Unavailable("No message store configured", nil)
	}

	msgs, err := s.store.List(r.Context())
	if err != nil {
		return storeError("DB error", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) error {
	if s.store == nil {
		return apperr.Unavailable("No message store configured", nil)
	}

	var req addMessageRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		return decodeError("Invalid JSON body", err)
	}
	if err := s.validate.Struct(req); err != nil {
		return apperr.Validation("content is required", err)
	}
	if err := s.validate.Var(req.Content, fmt.Sprintf("max=%d", s.cfg.MaxMessageSize)); err != nil {
		return apperr.Validation(fmt.Sprintf("content exceeds %d characters", s.cfg.MaxMessageSize), err)
	}

	msg, err := s.store.Append(r.Context(), req.Content)
	if err != nil {
		if errors.Is(err, store.ErrEmptyContent) {
			return apperr.Validation("content is required", err)
		}
		return storeError("Failed to insert", err)
	}

	s.log.Debug("Message added", "id", msg.ID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprint(w, "Message added")
	return nil
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) error {
	if s.store == nil {
		return apperr.Unavailable("No message store configured", nil)
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return apperr.Validation("Invalid message id", err)
	}

	n, err := s.store.Delete(r.Context(), id)
	if err != nil {
		return storeError("DB error", err)
	}
	if n == 0 {
		return apperr.NotFound("Message not found")
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, "Deleted")
	return nil
}

// handleBroadcast relays a JSON string body to every connection without
// persisting it, returning once every push was attempted.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) error {
	var text string
	if err := s.decodeBody(w, r, &text); err != nil {
		return decodeError("Body must be a JSON string", err)
	}
	if err := s.validate.Var(text, fmt.Sprintf("max=%d", s.cfg.MaxMessageSize)); err != nil {
		return apperr.Validation(fmt.Sprintf("content exceeds %d characters", s.cfg.MaxMessageSize), err)
	}

	s.broadcaster.BroadcastWait(r.Context(), text)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, "Broadcasted")
	return nil
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) error {
	ids := lo.Map(s.registry.Snapshot(), func(c relay.Connection, _ int) string { return c.ID() })
	return writeJSON(w, http.StatusOK, connectionsResponse{Count: len(ids), IDs: ids})
}

// decodeBody decodes a JSON body no larger than a message of MAX_MESSAGE_SIZE
// characters could need, escapes included.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes(s.cfg.MaxMessageSize))
	return json.NewDecoder(r.Body).Decode(v)
}

// maxBodyBytes allows six bytes per character (a \uXXXX escape) plus room
// for the JSON envelope.
func maxBodyBytes(maxChars int64) int64 {
	return 6*maxChars + bodyOverhead
}

const bodyOverhead = 1024

func decodeError(message string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.TooLarge("Request body too large", err)
	}
	return apperr.Validation(message, err)
}

// storeError reports any store failure, an open circuit included, as 500
// with message as the body.
func storeError(message string, err error) error {
	return apperr.Internal(message, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// handleTestPage serves an HTML page for trying the WebSocket endpoint
// from a browser.
func (s *Server) handleTestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.log.Debug("Error writing HTML response", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>RelayChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { 
            border: 1px solid #ccc; 
            height: 300px; 
            padding: 10px; 
            overflow-y: scroll; 
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { 
            width: 300px; 
            padding: 5px; 
            margin-right: 10px;
        }
        button { 
            padding: 5px 15px; 
            background-color: #007cba; 
            color: white; 
            border: none; 
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { 
            margin: 10px 0; 
            padding: 5px; 
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>RelayChat WebSocket Test</h1>
    
    <div id="status" class="status disconnected">Disconnected</div>
    
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    
    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(message, type = 'info') {
            const messageElement = document.createElement('div');
            messageElement.style.margin = '5px 0';
            messageElement.style.padding = '3px';

            if (type === 'received') {
                messageElement.style.color = 'green';
                const label = document.createElement('strong');
                label.textContent = 'Message: ';
                messageElement.appendChild(label);
                messageElement.appendChild(document.createTextNode(message));
            } else if (type === 'history') {
                messageElement.style.color = '#555';
                messageElement.textContent = message;
            } else {
                messageElement.style.color = 'gray';
                const note = document.createElement('em');
                note.textContent = message;
                messageElement.appendChild(note);
            }

            messagesDiv.appendChild(messageElement);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function loadHistory() {
            fetch('/messages')
                .then(function(res) { return res.json(); })
                .then(function(list) {
                    list.forEach(function(m) {
                        addMessage('#' + m.id + ' ' + m.timestamp + ': ' + m.content, 'history');
                    });
                })
                .catch(function(err) { addMessage('Could not load history: ' + err); });
        }

        function updateStatus(connected) {
            if (connected) {
                statusDiv.textContent = 'Connected';
                statusDiv.className = 'status connected';
                messageInput.disabled = false;
                sendButton.disabled = false;
                connectButton.textContent = 'Disconnect';
            } else {
                statusDiv.textContent = 'Disconnected';
                statusDiv.className = 'status disconnected';
                messageInput.disabled = true;
                sendButton.disabled = true;
                connectButton.textContent = 'Connect';
            }
        }

        function connect() {
            ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
            
            ws.onopen = function(event) {
                addMessage('Connected to RelayChat server');
                updateStatus(true);
                loadHistory();
            };
            
            ws.onmessage = function(event) {
                addMessage(event.data, 'received');
            };
            
            ws.onclose = function(event) {
                addMessage('Connection closed');
                updateStatus(false);
                ws = null;
            };
            
            ws.onerror = function(error) {
                addMessage('Connection error: ' + error);
                updateStatus(false);
            };
        }

        function disconnect() {
            if (ws) {
                ws.close();
            }
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                disconnect();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(message);
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
