package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/astromechza/recordsync/pkg/record"
)

// LivenessText is the body of GET /.
const LivenessText = "Hello, world!"

type statusBody struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *server) liveness(writer http.ResponseWriter, _ *http.Request) {
	s.notify("Calling / endpoint", false)
	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = writer.Write([]byte(LivenessText))
}

func (s *server) example(writer http.ResponseWriter, _ *http.Request) {
	s.notify("Calling /api/data endpoint", false)
	s.writeJSON(writer, http.StatusOK, record.Example(s.now()))
}

func (s *server) listItems(writer http.ResponseWriter, request *http.Request) {
	s.notify(fmt.Sprintf("Calling %s endpoint", request.URL.Path), false)
	s.writeJSON(writer, http.StatusOK, s.store.List())
}

func (s *server) getItem(writer http.ResponseWriter, request *http.Request) {
	id, ok := s.pathID(writer, request)
	if !ok {
		return
	}
	r, found := s.store.Get(id)
	if !found {
		s.notify(fmt.Sprintf("Not found data: ID=%d", id), false)
		s.writeJSON(writer, http.StatusNotFound, errorBody{Error: "Data not found"})
		return
	}
	s.notify(fmt.Sprintf("Data found: ID=%d", id), false)
	s.writeJSON(writer, http.StatusOK, r)
}

func (s *server) createItem(writer http.ResponseWriter, request *http.Request) {
	r, err := s.decodeRecord(request)
	if err != nil {
		s.notify("Error while retrieving data: "+err.Error(), true)
		s.writeJSON(writer, http.StatusBadRequest, statusBody{Status: "error", Message: "Invalid data format"})
		return
	}
	if err := s.store.Add(r); err != nil {
		if errors.Is(err, record.ErrConflict) {
			s.notify(fmt.Sprintf("Could not add data, ID conflict: ID=%d", r.ID), false)
			s.writeJSON(writer, http.StatusConflict, statusBody{Status: "error", Message: "ID conflict"})
			return
		}
		s.internalError(writer, "failed to add record", err)
		return
	}
	s.notify(fmt.Sprintf("Add new data: ID=%d", r.ID), false)
	s.publishMutation(r)
	s.writeJSON(writer, http.StatusCreated, statusBody{Status: "success", Message: "Add data success"})
}

func (s *server) updateItem(writer http.ResponseWriter, request *http.Request) {
	id, ok := s.pathID(writer, request)
	if !ok {
		return
	}
	r, err := s.decodeRecord(request)
	if err != nil {
		s.notify("Error while retrieving data: "+err.Error(), true)
		s.writeJSON(writer, http.StatusBadRequest, statusBody{Status: "error", Message: "Invalid data format"})
		return
	}
	if r.ID != id {
		s.notify(fmt.Sprintf("ID conflict: Path=%d, Body=%d", id, r.ID), false)
		s.writeJSON(writer, http.StatusBadRequest, errorBody{Error: "Path ID and Body ID do not match"})
		return
	}
	if err := s.store.Update(r); err != nil {
		if errors.Is(err, record.ErrNotFound) {
			s.notify(fmt.Sprintf("No data found to update: ID=%d", id), false)
			s.writeJSON(writer, http.StatusNotFound, statusBody{Status: "error", Message: "Data not found"})
			return
		}
		s.internalError(writer, "failed to update record", err)
		return
	}
	s.notify(fmt.Sprintf("Data updated: ID=%d", id), false)
	s.publishMutation(r)
	s.writeJSON(writer, http.StatusOK, statusBody{Status: "success", Message: "Data updated"})
}

func (s *server) deleteItem(writer http.ResponseWriter, request *http.Request) {
	id, ok := s.pathID(writer, request)
	if !ok {
		return
	}
	if err := s.store.Delete(id); err != nil {
		if errors.Is(err, record.ErrNotFound) {
			s.notify(fmt.Sprintf("No data found to delete: ID=%d", id), false)
			s.writeJSON(writer, http.StatusNotFound, statusBody{Status: "error", Message: "Data not found"})
			return
		}
		s.internalError(writer, "failed to delete record", err)
		return
	}
	s.notify(fmt.Sprintf("Data deleted: ID=%d", id), false)
	s.writeJSON(writer, http.StatusOK, statusBody{Status: "success", Message: "Data deleted"})
}

func (s *server) broadcast(writer http.ResponseWriter, request *http.Request) {
	r, err := s.decodeRecord(request)
	if err != nil {
		s.notify("Broadcast error: "+err.Error(), true)
		s.writeJSON(writer, http.StatusBadRequest, statusBody{Status: "error", Message: "Invalid data format"})
		return
	}
	n, err := s.publish(r)
	if err != nil {
		s.notify("Broadcast error: "+err.Error(), true)
		s.log.Error("failed to broadcast", "err", err)
		s.writeJSON(writer, http.StatusInternalServerError, errorBody{Error: "Broadcast failed"})
		return
	}
	s.notify(fmt.Sprintf("Data broadcast: ID=%d to %d sessions", r.ID, n), false)
	s.writeJSON(writer, http.StatusOK, statusBody{Status: "success", Message: "Data broadcast"})
}

func (s *server) publish(r record.Record) (int, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("failed to encode record: %w", err)
	}
	n := s.hub.Publish(string(raw))
	if s.metrics != nil {
		s.metrics.Broadcasts.Inc()
	}
	return n, nil
}

func (s *server) publishMutation(r record.Record) {
	if !s.broadcastMutations {
		return
	}
	if _, err := s.publish(r); err != nil {
		s.log.Error("failed to publish mutation", "id", r.ID, "err", err)
	}
}

func (s *server) pathID(writer http.ResponseWriter, request *http.Request) (int, bool) {
	raw := mux.Vars(request)["id"]
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		s.notify("Invalid ID: "+raw, false)
		s.writeJSON(writer, http.StatusBadRequest, errorBody{Error: "Invalid ID format"})
		return 0, false
	}
	return int(id), true
}

// decodeRecord stamps records that arrive without a timestamp.
func (s *server) decodeRecord(request *http.Request) (record.Record, error) {
	r, stamped, err := record.Decode(request.Body)
	if err != nil {
		return record.Record{}, err
	}
	if !stamped {
		r.Timestamp = s.now().UnixMilli()
	}
	return r, nil
}

func (s *server) internalError(writer http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, "err", err)
	s.notify(msg+": "+err.Error(), true)
	s.writeJSON(writer, http.StatusInternalServerError, errorBody{Error: "Internal error"})
}

func (s *server) writeJSON(writer http.ResponseWriter, code int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		s.log.Error("failed to write", "err", err)
	}
}
