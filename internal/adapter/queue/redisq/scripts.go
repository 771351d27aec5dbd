package redisq

import "github.com/redis/go-redis/v9"

// The scripts move job ids between the queue structures; job field writes go
// through HSET/HINCRBY so miniredis executes them unchanged. Every script
// takes the wall clock as ARGV so callers control time in tests.

// enqueueScript files a new job hash and routes the id to delayed, wait, or
// prioritized. Priority score is -priority*2^32+seq: strict priority first,
// FIFO inside one priority band.
// KEYS: wait, prioritized, delayed, seq
// ARGV: keyPrefix, id, payload, priority, maxAttempts, backoffMs, nowMs, delayMs
const enqueueScript = `
local jobKey = ARGV[1] .. "jobs:" .. ARGV[2]
local priority = tonumber(ARGV[4])
local now = tonumber(ARGV[7])
local delay = tonumber(ARGV[8])

redis.call("HSET", jobKey,
  "id", ARGV[2],
  "payload", ARGV[3],
  "priority", ARGV[4],
  "attempts", "0",
  "maxattempts", ARGV[5],
  "backoff_ms", ARGV[6],
  "reclaims", "0",
  "enqueued_at", ARGV[7])

if delay > 0 then
  redis.call("HSET", jobKey, "state", "delayed")
  redis.call("ZADD", KEYS[3], now + delay, ARGV[2])
elseif priority > 0 then
  local seq = redis.call("INCR", KEYS[4])
  redis.call("HSET", jobKey, "state", "prioritized")
  redis.call("ZADD", KEYS[2], -priority * 4294967296 + seq, ARGV[2])
else
  redis.call("HSET", jobKey, "state", "waiting")
  redis.call("LPUSH", KEYS[1], ARGV[2])
end
return 1
`

// reserveScript leases up to n jobs: prioritized ids first (lowest score),
// then the wait list, each moved to active with a lease deadline.
// KEYS: prioritized, wait, active
// ARGV: keyPrefix, nowMs, leaseMs, n, worker
const reserveScript = `
local ids = {}
local n = tonumber(ARGV[4])
local now = tonumber(ARGV[2])
local deadline = now + tonumber(ARGV[3])

while #ids < n do
  local head = redis.call("ZRANGE", KEYS[1], 0, 0)
  if #head == 0 then break end
  redis.call("ZREM", KEYS[1], head[1])
  ids[#ids + 1] = head[1]
end
while #ids < n do
  local id = redis.call("RPOP", KEYS[2])
  if not id then break end
  ids[#ids + 1] = id
end

for _, id in ipairs(ids) do
  local jobKey = ARGV[1] .. "jobs:" .. id
  redis.call("ZADD", KEYS[3], deadline, id)
  redis.call("HSET", jobKey, "state", "active", "worker", ARGV[5], "started_at", ARGV[2])
  redis.call("HINCRBY", jobKey, "attempts", 1)
end
return ids
`

// completeScript finishes a leased job. Returns 1 on transition, 0 when the
// job is already completed or gone (idempotent repeat), -1 when the job is
// in a state that cannot complete.
// KEYS: active, completed
// ARGV: keyPrefix, id, nowMs, retentionCount, retentionMs
const completeScript = `
local jobKey = ARGV[1] .. "jobs:" .. ARGV[2]
local state = redis.call("HGET", jobKey, "state")
if state == false or state == "completed" then return 0 end
if state ~= "active" then return -1 end

redis.call("ZREM", KEYS[1], ARGV[2])
redis.call("HSET", jobKey, "state", "completed", "finished_at", ARGV[3])
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[2])

local cutoff = tonumber(ARGV[3]) - tonumber(ARGV[5])
local aged = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", cutoff)
for _, old in ipairs(aged) do
  redis.call("DEL", ARGV[1] .. "jobs:" .. old)
end
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", cutoff)

local excess = redis.call("ZCARD", KEYS[2]) - tonumber(ARGV[4])
if excess > 0 then
  local oldest = redis.call("ZRANGE", KEYS[2], 0, excess - 1)
  for _, old in ipairs(oldest) do
    redis.call("DEL", ARGV[1] .. "jobs:" .. old)
  end
  redis.call("ZREMRANGEBYRANK", KEYS[2], 0, excess - 1)
end
return 1
`

// failScript is completeScript's terminal-failure twin; it records the
// reason on the job hash.
// KEYS: active, failed
// ARGV: keyPrefix, id, nowMs, retentionCount, retentionMs, reason
const failScript = `
local jobKey = ARGV[1] .. "jobs:" .. ARGV[2]
local state = redis.call("HGET", jobKey, "state")
if state == false or state == "failed" then return 0 end
if state ~= "active" then return -1 end

redis.call("ZREM", KEYS[1], ARGV[2])
redis.call("HSET", jobKey, "state", "failed", "finished_at", ARGV[3], "reason", ARGV[6])
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[2])

local cutoff = tonumber(ARGV[3]) - tonumber(ARGV[5])
local aged = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", cutoff)
for _, old in ipairs(aged) do
  redis.call("DEL", ARGV[1] .. "jobs:" .. old)
end
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", cutoff)

local excess = redis.call("ZCARD", KEYS[2]) - tonumber(ARGV[4])
if excess > 0 then
  local oldest = redis.call("ZRANGE", KEYS[2], 0, excess - 1)
  for _, old in ipairs(oldest) do
    redis.call("DEL", ARGV[1] .. "jobs:" .. old)
  end
  redis.call("ZREMRANGEBYRANK", KEYS[2], 0, excess - 1)
end
return 1
`

// requeueScript returns a leased job to the backlog, delayed when delayMs>0.
// Same return convention as completeScript.
// KEYS: active, delayed, wait, prioritized, seq
// ARGV: keyPrefix, id, nowMs, delayMs
const requeueScript = `
local jobKey = ARGV[1] .. "jobs:" .. ARGV[2]
local state = redis.call("HGET", jobKey, "state")
if state == false then return 0 end
if state ~= "active" then return -1 end

redis.call("ZREM", KEYS[1], ARGV[2])
local now = tonumber(ARGV[3])
local delay = tonumber(ARGV[4])
if delay > 0 then
  redis.call("HSET", jobKey, "state", "delayed")
  redis.call("ZADD", KEYS[2], now + delay, ARGV[2])
else
  local priority = tonumber(redis.call("HGET", jobKey, "priority") or "0")
  if priority > 0 then
    local seq = redis.call("INCR", KEYS[5])
    redis.call("HSET", jobKey, "state", "prioritized")
    redis.call("ZADD", KEYS[4], -priority * 4294967296 + seq, ARGV[2])
  else
    redis.call("HSET", jobKey, "state", "waiting")
    redis.call("LPUSH", KEYS[3], ARGV[2])
  end
end
return 1
`

// promoteScript moves due delayed jobs to the backlog.
// KEYS: delayed, wait, prioritized, seq
// ARGV: keyPrefix, nowMs, limit
const promoteScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  local jobKey = ARGV[1] .. "jobs:" .. id
  local priority = tonumber(redis.call("HGET", jobKey, "priority") or "0")
  if priority > 0 then
    local seq = redis.call("INCR", KEYS[4])
    redis.call("HSET", jobKey, "state", "prioritized")
    redis.call("ZADD", KEYS[3], -priority * 4294967296 + seq, id)
  else
    redis.call("HSET", jobKey, "state", "waiting")
    redis.call("LPUSH", KEYS[2], id)
  end
end
return #due
`

// reclaimScript returns lease-expired active jobs to the backlog and counts
// the reclaim on the job hash. At-least-once delivery hinges on this sweep.
// KEYS: active, wait, prioritized, seq
// ARGV: keyPrefix, nowMs, limit
const reclaimScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[1], id)
  local jobKey = ARGV[1] .. "jobs:" .. id
  redis.call("HINCRBY", jobKey, "reclaims", 1)
  local priority = tonumber(redis.call("HGET", jobKey, "priority") or "0")
  if priority > 0 then
    local seq = redis.call("INCR", KEYS[4])
    redis.call("HSET", jobKey, "state", "prioritized")
    redis.call("ZADD", KEYS[3], -priority * 4294967296 + seq, id)
  else
    redis.call("HSET", jobKey, "state", "waiting")
    redis.call("LPUSH", KEYS[2], id)
  end
end
return #expired
`

var (
	luaEnqueue  = redis.NewScript(enqueueScript)
	luaReserve  = redis.NewScript(reserveScript)
	luaComplete = redis.NewScript(completeScript)
	luaFail     = redis.NewScript(failScript)
	luaRequeue  = redis.NewScript(requeueScript)
	luaPromote  = redis.NewScript(promoteScript)
	luaReclaim  = redis.NewScript(reclaimScript)
)
