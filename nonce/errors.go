package nonce

import "errors"

var errEmptyPool = errors.New("nonce: pool is empty; caller must prime it before signing")
