package controller

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/service/room"
	"github.com/sharetube/syncwatch/pkg/rest"
)

type createRoomInput struct {
	Capacity int    `json:"capacity" validate:"gte=0"`
	MediaRef string `json:"media_ref" validate:"max=2048"`
}

func (c controller) createRoom(w http.ResponseWriter, r *http.Request) {
	var input createRoomInput
	if err := rest.ReadJSON(r, &input); err != nil {
		c.logger.InfoContext(r.Context(), "failed to read json", "error", err)
		rest.WriteJSON(w, http.StatusUnprocessableEntity, rest.Envelope{"error": err.Error()})
		return
	}

	if validationErrors, ok := c.validate.Validate(input); !ok {
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"errors": validationErrors})
		return
	}

	created, err := c.roomService.CreateRoom(r.Context(), &room.CreateRoomParams{
		Capacity: input.Capacity,
		MediaRef: input.MediaRef,
	})
	if err != nil {
		c.writeRESTError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusCreated, rest.Envelope{"data": created})
}

func (c controller) getRoom(w http.ResponseWriter, r *http.Request) {
	resp, err := c.roomService.GetRoom(r.Context(), chi.URLParam(r, "room-id"))
	if err != nil {
		c.writeRESTError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": resp})
}

type patchRoomInput struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (c controller) patchRoom(w http.ResponseWriter, r *http.Request) {
	var input patchRoomInput
	if err := rest.ReadJSON(r, &input); err != nil {
		rest.WriteJSON(w, http.StatusUnprocessableEntity, rest.Envelope{"error": err.Error()})
		return
	}

	if validationErrors, ok := c.validate.Validate(input); !ok {
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"errors": validationErrors})
		return
	}

	updated, err := c.roomService.SetRoomEnabled(r.Context(), &room.SetRoomEnabledParams{
		RoomId:  chi.URLParam(r, "room-id"),
		Enabled: *input.Enabled,
	})
	if err != nil {
		c.writeRESTError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": updated})
}

func (c controller) writeRESTError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrStateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, room.ErrCapacityTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrRoomDisabled), errors.Is(err, domain.ErrRoomFull):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		c.logger.ErrorContext(r.Context(), "request failed", "error", err)
		rest.WriteJSON(w, status, rest.Envelope{"error": "internal server error"})
		return
	}

	rest.WriteJSON(w, status, rest.Envelope{"error": err.Error()})
}
