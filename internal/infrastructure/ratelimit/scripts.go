package ratelimit

import "github.com/redis/go-redis/v9"

// Every script touches exactly one key so it stays valid under Redis Cluster.

// incrementScript bumps a counter and refreshes its TTL.
// ARGV: ttl_ms
var incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
return n
`)

// incrementBelowScript bumps a counter only while it is below limit, so the
// stored value never exceeds it.
// ARGV: limit (<=0 unlimited), ttl_ms
// Returns {incremented, count}.
var incrementBelowScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and n >= limit then
    return {0, n}
end
n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
return {1, n}
`)

// decrementScript lowers a counter, never below zero, deleting it at zero.
var decrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
    redis.call('DEL', KEYS[1])
    return 0
end
return n
`)

// tryJoinRoomScript adds a member to a room set only while under capacity.
// ARGV: member, capacity (<=0 unlimited), ttl_ms
// Returns {joined, size}.
var tryJoinRoomScript = redis.NewScript(`
local key = KEYS[1]
local member = ARGV[1]
local capacity = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if redis.call('SISMEMBER', key, member) == 1 then
    redis.call('PEXPIRE', key, ttl)
    return {1, redis.call('SCARD', key)}
end

local size = redis.call('SCARD', key)
if capacity > 0 and size >= capacity then
    return {0, size}
end

redis.call('SADD', key, member)
redis.call('PEXPIRE', key, ttl)
return {1, size + 1}
`)

// leaveRoomScript removes a member and returns the remaining size.
var leaveRoomScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
return redis.call('SCARD', KEYS[1])
`)

// tokenBucketScript refills and consumes a token bucket.
// ARGV: burst, rate (tokens/s), requested, now_ms, ttl_ms
// Returns {allowed, floor(tokens_left), retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or burst
local last_refill = tonumber(bucket[2]) or now

-- callers on a lagging clock must not drain or rewind the bucket
local elapsed = now - last_refill
if elapsed < 0 then
    elapsed = 0
    now = last_refill
end

tokens = math.min(tokens + elapsed * rate / 1000, burst)

local allowed = 0
local retry_ms = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
else
    retry_ms = math.ceil((requested - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('PEXPIRE', key, ttl)

return {allowed, math.floor(tokens), retry_ms}
`)
