package server

import "net/http"

type registerRequest struct {
	DeviceType  string `json:"device_type"`
	DeviceName  string `json:"device_name"`
	OwnerUserID string `json:"owner_user_id"`
}

type credentialResponse struct {
	DeviceID string `json:"device_id"`
	APIKey   string `json:"api_key"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, key, err := s.deps.Registry.Register(r.Context(), req.DeviceType, req.DeviceName, req.OwnerUserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, credentialResponse{DeviceID: id, APIKey: key})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	key, err := s.deps.Credentials.Rotate(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialResponse{DeviceID: id, APIKey: key})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleSearchDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Registry.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deps.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := decodeBody(w, r, &fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	dev, err := s.deps.Registry.Update(r.Context(), r.PathValue("id"), fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Registry.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "device_id": id})
}
