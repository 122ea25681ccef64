// Package errors provides standardized error handling for the semwire driver.
//
// # Overview
//
// Errors are classified as Transient (retry), Invalid (bad input, drop and count) or
// Fatal (close the affected publication or image). Classification is applied through
// ClassifiedError or inferred from the sentinel variables declared here.
//
// # Offer outcomes
//
// Publications return sentinel errors instead of negative positions:
//
//	pos, err := pub.Offer(payload)
//	switch {
//	case errors.Is(err, errors.ErrBackPressured), errors.Is(err, errors.ErrAdminAction):
//	    // retry later
//	case errors.Is(err, errors.ErrNotConnected):
//	    // no receiver and no simulated connection yet
//	case err != nil:
//	    return err
//	}
//
// ErrBackPressured, ErrAdminAction and ErrNotConnected are transient. ErrClosed is not
// retryable. ErrMaxPositionExceeded is fatal for the publication.
//
// # Wrapping
//
// Wrap follows the "component.method: action failed: %w" convention, and the
// WrapTransient, WrapInvalid and WrapFatal variants attach a class:
//
//	if err := transport.Send(buf, addr); err != nil {
//	    return errors.WrapTransient(err, "Sender", "send", "datagram write")
//	}
package errors
