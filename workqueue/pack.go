package workqueue

import (
	"encoding/binary"
	"errors"
	"os"
	"strconv"
	"time"
)

var errInvalidPackedData = errors.New("invalid packed data")

type packArgs struct {
	data           []byte
	minTargetBlock uint64
	maxTargetBlock uint64
	highPriority   bool
	timestamp      time.Time
	attempt        uint16
}

const packHeaderLen = 19

// packData encodes an item for the sorted set. The score is the min target
// block; the member value is
// priority(1) | attempt(2) | timestamp(8) | maxTargetBlock(8) | data.
// Redis orders members with equal score lexicographically, so the header
// layout doubles as the tie-break order (high priority packs as 0x00 and
// sorts first).
func packData(a packArgs) (float64, []byte) {
	score := float64(a.minTargetBlock)
	value := make([]byte, packHeaderLen+len(a.data))
	if a.highPriority {
		value[0] = 0
	} else {
		value[0] = 1
	}
	binary.BigEndian.PutUint16(value[1:3], a.attempt)
	binary.BigEndian.PutUint64(value[3:11], uint64(a.timestamp.UnixNano()))
	binary.BigEndian.PutUint64(value[11:19], a.maxTargetBlock)
	copy(value[packHeaderLen:], a.data)
	return score, value
}

func unpackData(score float64, packedData []byte) (packArgs, error) {
	if len(packedData) < packHeaderLen {
		return packArgs{}, errInvalidPackedData
	}
	return packArgs{
		data:           packedData[packHeaderLen:],
		minTargetBlock: uint64(score),
		maxTargetBlock: binary.BigEndian.Uint64(packedData[11:19]),
		highPriority:   packedData[0] == 0,
		timestamp:      time.Unix(0, int64(binary.BigEndian.Uint64(packedData[3:11]))),
		attempt:        binary.BigEndian.Uint16(packedData[1:3]),
	}, nil
}

// ConfigFromEnv loads queue limits from the environment:
// - `WORKQUEUE_MAX_RETRIES`
// - `WORKQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO`
// - `WORKQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO`
// - `WORKQUEUE_WORKER_TIMEOUT_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig

	if val := os.Getenv("WORKQUEUE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, err
		}
		config.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("WORKQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO"); val != "" {
		maxQueued, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsLowPrio = maxQueued
	}
	if val := os.Getenv("WORKQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO"); val != "" {
		maxQueued, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsHighPrio = maxQueued
	}
	if val := os.Getenv("WORKQUEUE_WORKER_TIMEOUT_MS"); val != "" {
		workerTimeoutMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.WorkerTimeout = time.Duration(workerTimeoutMs) * time.Millisecond
	}

	return config, nil
}
