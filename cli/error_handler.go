package cli

import (
	"fmt"
	"io"

	"github.com/grovetools/paramhub/errors"
)

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates a new error handler writing to out
func NewErrorHandler(verbose bool, out io.Writer) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     out,
	}
}

// Handle prints a message for err based on its code and returns err.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		fmt.Fprintf(h.Out, "Error: configuration file not found. Create paramhub.yml or pass --config.\n")

	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigValidation:
		fmt.Fprintf(h.Out, "Error: %s\n", errors.Message(err))
		if hubErr, ok := err.(*errors.HubError); ok {
			if path, ok := hubErr.Details["path"]; ok {
				fmt.Fprintf(h.Out, "  in %v\n", path)
			}
		}

	default:
		fmt.Fprintf(h.Out, "Error: %v\n", err)
	}

	if h.Verbose {
		if hubErr, ok := err.(*errors.HubError); ok {
			fmt.Fprintf(h.Out, "\nError details:\n%s\n", hubErr.ToJSON())
		}
	}
	return err
}
