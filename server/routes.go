package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bengmend/huggingface/handler"
	"github.com/bengmend/huggingface/messages"
	"github.com/bengmend/huggingface/utils"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

var errMalformedRequest = fmt.Errorf("malformed request")

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	body, err := utils.ReadAllLimit(r.Body, s.maxRequestBytes)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}

// decodeObject decodes a JSON object keeping numbers as written so they are
// forwarded unchanged.
func decodeObject(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedRequest, err)
	}
	if object == nil {
		return nil, fmt.Errorf("%w: expected a json object", errMalformedRequest)
	}
	return object, nil
}

// handleTranscribe takes a JSON request with base64 audio_data and options.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	request, err := decodeObject(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.transcribe(w, r, handler.Request(request))
}

// handleTranscribeRaw takes raw audio as the body, with options as a JSON
// object in the options query parameter.
func (s *Server) handleTranscribeRaw(w http.ResponseWriter, r *http.Request) {
	options := map[string]any{}
	if rawOptions := r.URL.Query().Get(handler.KeyOptions); rawOptions != "" {
		var err error
		options, err = decodeObject([]byte(rawOptions))
		if err != nil {
			s.writeError(w, r, fmt.Errorf("options query: %w", err))
			return
		}
	}

	audio, err := s.readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.transcribe(w, r, handler.Request{
		handler.KeyAudioData: audio,
		handler.KeyOptions:   options,
	})
}

func (s *Server) transcribe(w http.ResponseWriter, r *http.Request, req handler.Request) {
	result, err := s.transcriber.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(result))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeHealth(w, r, http.StatusOK, messages.HealthData{
		Ready:  true,
		Model:  s.info.ModelPath,
		Device: s.info.Device,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	data := messages.HealthData{
		Ready:  true,
		Model:  s.info.ModelPath,
		Device: s.info.Device,
	}
	status := http.StatusOK

	if s.readiness != nil {
		if err := s.readiness.Healthy(r.Context()); err != nil {
			utils.GetLogFromContext(r.Context(), s.log).Warn("runtime not ready", zap.Error(err))
			data.Ready = false
			data.Reason = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	s.writeHealth(w, r, status, data)
}

func (s *Server) writeHealth(w http.ResponseWriter, r *http.Request, status int, data messages.HealthData) {
	body, err := s.messages.ExecuteMessage(messages.MessageHealth, data)
	if err != nil {
		utils.GetLogFromContext(r.Context(), s.log).Error("failed to render health message", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func errorStatus(err error) int {
	var corrupt base64.CorruptInputError

	switch {
	case errors.Is(err, utils.ErrIOLimitReached):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, handler.ErrMissingAudioData),
		errors.Is(err, handler.ErrMissingOptions),
		errors.Is(err, handler.ErrUnsupportedType),
		errors.Is(err, errMalformedRequest),
		errors.As(err, &corrupt):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := utils.GetLogFromContext(r.Context(), s.log)

	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("failed to handle request", zap.Error(err))
	} else {
		log.Info("rejected request", zap.Error(err))
	}

	body, renderErr := s.messages.ExecuteMessage(messages.MessageError, messages.ErrorData{
		Message:   err.Error(),
		Status:    status,
		RequestID: middleware.GetReqID(r.Context()),
	})
	if renderErr != nil {
		log.Error("failed to render error message", zap.Error(renderErr))
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
