package lock

import "github.com/go-redis/redis/v8"

// The scripts return small integer codes instead of raising so that the
// caller can tell "absent" from "owned by somebody else".
const (
	codeOK          = 0
	codeNotAcquired = 1
	codeNotOwner    = 2
	codeNotExpiring = 3
)

// KEYS[1] lock key, KEYS[2] signal list; ARGV[1] token, ARGV[2] signal expire (ms).
var unlockScript = redis.NewScript(`
local owner = redis.call("get", KEYS[1])
if not owner then
    return 1
elseif owner ~= ARGV[1] then
    return 2
end
redis.call("del", KEYS[2])
redis.call("lpush", KEYS[2], 1)
redis.call("pexpire", KEYS[2], ARGV[2])
redis.call("del", KEYS[1])
return 0
`)

// KEYS[1] lock key; ARGV[1] token, ARGV[2] new lease (ms).
var extendScript = redis.NewScript(`
local owner = redis.call("get", KEYS[1])
if not owner then
    return 1
elseif owner ~= ARGV[1] then
    return 2
elseif redis.call("pttl", KEYS[1]) < 0 then
    return 3
end
redis.call("pexpire", KEYS[1], ARGV[2])
return 0
`)

// KEYS[1] lock key, KEYS[2] signal list; ARGV[1] signal expire (ms).
var resetScript = redis.NewScript(`
redis.call("del", KEYS[2])
redis.call("lpush", KEYS[2], 1)
redis.call("pexpire", KEYS[2], ARGV[1])
return redis.call("del", KEYS[1])
`)

// ARGV[1] signal expire (ms). Returns the number of locks removed.
var resetAllScript = redis.NewScript(`
local locks = redis.call("keys", "lock:*")
local signal
for _, lock in pairs(locks) do
    signal = "lock-signal:" .. string.sub(lock, 6)
    redis.call("del", signal)
    redis.call("lpush", signal, 1)
    redis.call("pexpire", signal, ARGV[1])
    redis.call("del", lock)
end
return #locks
`)
