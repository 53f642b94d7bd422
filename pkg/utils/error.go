package utils

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrBadRequest     = fmt.Errorf("Bad request")
	ErrNotFound       = fmt.Errorf("Not found")
	ErrNoWorker       = fmt.Errorf("No worker available")
	ErrDispatchFailed = fmt.Errorf("Dispatch failed")
	ErrDiscovery      = fmt.Errorf("Fleet discovery failed")
)

// Convert errors to errors with HTTP status codes.
func HttpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBadRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoWorker):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return err
}
