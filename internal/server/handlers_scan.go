package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apperrors "github.com/Marcelo-Nobre/virtual-book-catalog/internal/errors"
)

type createSessionResponse struct {
	SessionUUID string `json:"sessionUuid"`
}

type selectDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func sessionParam(c echo.Context) (uuid.UUID, error) {
	sessionUUID, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("invalid session UUID")
	}
	return sessionUUID, nil
}

func (s *Server) handleCreateScanSession(c echo.Context) error {
	sessionUUID := uuid.New()
	if err := s.app.EnsureScanSession(c.Request().Context(), sessionUUID); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, createSessionResponse{SessionUUID: sessionUUID.String()})
}

func (s *Server) handleSessionState(c echo.Context) error {
	sessionUUID, err := sessionParam(c)
	if err != nil {
		return err
	}

	state, err := s.app.SessionState(sessionUUID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// handleEnumerateDevices kicks off async device discovery. The resulting
// device list arrives as a state event on the session's WebSocket.
func (s *Server) handleEnumerateDevices(c echo.Context) error {
	sessionUUID, err := sessionParam(c)
	if err != nil {
		return err
	}

	if err := s.app.EnumerateDevices(sessionUUID); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleSelectDevice(c echo.Context) error {
	sessionUUID, err := sessionParam(c)
	if err != nil {
		return err
	}

	var req selectDeviceRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.DeviceID == "" {
		return apperrors.ValidationError("deviceId is required")
	}

	if err := s.app.SelectDevice(sessionUUID, req.DeviceID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartScanning(c echo.Context) error {
	sessionUUID, err := sessionParam(c)
	if err != nil {
		return err
	}

	if err := s.app.StartScanning(sessionUUID); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleStopScanning(c echo.Context) error {
	sessionUUID, err := sessionParam(c)
	if err != nil {
		return err
	}

	if err := s.app.StopScanning(sessionUUID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
