// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrNotFound = errors.New("pipeline not found")
var ErrTemplateNotFound = errors.New("workflow template not found")
var ErrStepNotFound = errors.New("no step to act on")
var ErrInvalidState = errors.New("invalid state")
var ErrConditionNotMet = errors.New("step condition not met")
var ErrValidation = errors.New("validation failed")
var ErrStoreConflict = errors.New("store conflict")

// ErrCancelled is returned for any mutation of a cancelled pipeline. It also
// matches ErrInvalidState.
var ErrCancelled = cancelledError{}

type cancelledError struct{}

func (cancelledError) Error() string { return "pipeline is cancelled" }

func (cancelledError) Is(target error) bool { return target == ErrInvalidState }
