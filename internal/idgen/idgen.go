package idgen

import "github.com/google/uuid"

// NewFunc produces identifiers for requests, actions, workflows and bulk jobs.
// Tests may stub it.
var NewFunc = func() string { return uuid.New().String() }

func New() string { return NewFunc() }
