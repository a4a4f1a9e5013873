package hotstate

import "github.com/redis/go-redis/v9"

// All mutations run as scripts so counter increments, state writes and
// the pending-sync set stay consistent under concurrency (a torn
// counter/state pair would break completion detection).

// KEYS: counters, recipients, pending_sync
// ARGV: remaining, ttlSeconds
// Re-initialization keeps existing counters and never shrinks total
// below recorded progress: a redelivered batch message carries only the
// recipients still unmirrored in Postgres, so the expected total is
// remaining plus the terminal records already mirrored (sent+failed
// minus the pending-sync set, whose members are still counted in
// remaining).
const initBatchScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
    local sent = tonumber(redis.call("HGET", KEYS[1], "sent") or "0")
    local failed = tonumber(redis.call("HGET", KEYS[1], "failed") or "0")
    local total = tonumber(redis.call("HGET", KEYS[1], "total") or "0")
    local unsynced = redis.call("SCARD", KEYS[3])
    local expected = tonumber(ARGV[1]) + sent + failed - unsynced
    if expected > total then
        redis.call("HSET", KEYS[1], "total", expected)
    end
else
    redis.call("HSET", KEYS[1], "sent", 0, "failed", 0, "total", ARGV[1])
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`

// KEYS: counters, recipients, pending_sync
// ARGV: recipientID, encodedState, counterField ("sent"|"failed"), ttlSeconds
// Returns {sent, failed, total, isComplete, duplicate}.
// A recipient already in a terminal state is never re-counted.
const recordResultScript = `
local existing = redis.call("HGET", KEYS[2], ARGV[1])
local dup = 0
if existing then
    local code = string.sub(existing, 1, 1)
    if code == "s" or code == "f" or code == "b" or code == "c" or code == "{" then
        dup = 1
    end
end

if dup == 0 then
    redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
    redis.call("HINCRBY", KEYS[1], ARGV[3], 1)
    redis.call("SADD", KEYS[3], ARGV[1])
end

local sent = tonumber(redis.call("HGET", KEYS[1], "sent") or "0")
local failed = tonumber(redis.call("HGET", KEYS[1], "failed") or "0")
local total = tonumber(redis.call("HGET", KEYS[1], "total") or "0")

redis.call("EXPIRE", KEYS[1], ARGV[4])
redis.call("EXPIRE", KEYS[2], ARGV[4])
redis.call("EXPIRE", KEYS[3], ARGV[4])

local complete = 0
if total > 0 and sent + failed >= total then
    complete = 1
end

return {sent, failed, total, complete, dup}
`

// KEYS: counters, recipients, pending_sync
// ARGV: ttlSeconds, then triples of (recipientID, encodedState, counterField)
// Returns {sent, failed, total, isComplete, applied}.
const recordBatchScript = `
local applied = 0
for i = 2, #ARGV, 3 do
    local rid = ARGV[i]
    local state = ARGV[i + 1]
    local field = ARGV[i + 2]

    local existing = redis.call("HGET", KEYS[2], rid)
    local dup = false
    if existing then
        local code = string.sub(existing, 1, 1)
        if code == "s" or code == "f" or code == "b" or code == "c" or code == "{" then
            dup = true
        end
    end

    if not dup then
        redis.call("HSET", KEYS[2], rid, state)
        redis.call("HINCRBY", KEYS[1], field, 1)
        redis.call("SADD", KEYS[3], rid)
        applied = applied + 1
    end
end

local sent = tonumber(redis.call("HGET", KEYS[1], "sent") or "0")
local failed = tonumber(redis.call("HGET", KEYS[1], "failed") or "0")
local total = tonumber(redis.call("HGET", KEYS[1], "total") or "0")

redis.call("EXPIRE", KEYS[1], ARGV[1])
redis.call("EXPIRE", KEYS[2], ARGV[1])
redis.call("EXPIRE", KEYS[3], ARGV[1])

local complete = 0
if total > 0 and sent + failed >= total then
    complete = 1
end

return {sent, failed, total, complete, applied}
`

// KEYS: counters, recipients, pending_sync
// ARGV: ttlSeconds
const markCompletedScript = `
for i = 1, #KEYS do
    if redis.call("EXISTS", KEYS[i]) == 1 then
        redis.call("EXPIRE", KEYS[i], ARGV[1])
    end
end
return 1
`

var (
	initBatch     = redis.NewScript(initBatchScript)
	recordResult  = redis.NewScript(recordResultScript)
	recordBatch   = redis.NewScript(recordBatchScript)
	markCompleted = redis.NewScript(markCompletedScript)
)
