package server

import (
	"errors"
	"net/http"

	"github.com/tallybook/automaton/pkg/schema"
)

func statusForError(err error) int {
	var autoErr *schema.AutomationError
	if !errors.As(err, &autoErr) {
		return http.StatusInternalServerError
	}
	switch autoErr.Code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeTriggerValidation, schema.ErrCodeInterpolation:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) any {
	var autoErr *schema.AutomationError
	if errors.As(err, &autoErr) {
		return autoErr
	}
	return map[string]string{"message": err.Error()}
}
