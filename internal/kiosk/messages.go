package kiosk

import (
	"errors"
	"fmt"

	"checkin/internal/attendance"
)

const (
	msgInvalidID = "El número de cuenta debe tener 6 dígitos."
	msgRetrying  = "Conexión inestable, reintentando registro…"
)

func msgQueued(pending int) string {
	return fmt.Sprintf("Sin conexión: %d registro(s) en cola.", pending)
}

// messageFor turns a terminal failure into kiosk text.
func messageFor(err error) string {
	var cd *attendance.CooldownError
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		return "No se encontró un alumno con ese número de cuenta."
	case errors.Is(err, attendance.ErrDailyLimit):
		return "Ya se registraron la entrada y la salida de hoy."
	case errors.As(err, &cd):
		return fmt.Sprintf("Espera %d minuto(s) antes de volver a registrar.", cd.Remaining)
	case errors.Is(err, attendance.ErrPermissionDenied), errors.Is(err, attendance.ErrPrecondition):
		return "Error de configuración del servidor: " + err.Error()
	}
	return "No se pudo registrar: " + err.Error()
}

// reasonFor labels a failure for metrics.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		return "not_found"
	case errors.Is(err, attendance.ErrDailyLimit):
		return "daily_limit"
	case errors.Is(err, attendance.ErrCooldown):
		return "cooldown"
	case errors.Is(err, attendance.ErrPermissionDenied):
		return "permission"
	case errors.Is(err, attendance.ErrPrecondition):
		return "precondition"
	case attendance.IsTransient(err):
		return "transient"
	}
	return "other"
}
