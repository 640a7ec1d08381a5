package redis

import goredislib "github.com/redis/go-redis/v9"

// acquireJointLua sets every key to the token only if none of them exists.
// KEYS: lock keys
// ARGV[1]: token
// ARGV[2]: lease in milliseconds
// Returns: 1 if all keys were set, 0 if any key was taken.
const acquireJointLua = `
for i = 1, #KEYS do
    if redis.call("EXISTS", KEYS[i]) == 1 then
        return 0
    end
end
for i = 1, #KEYS do
    redis.call("SET", KEYS[i], ARGV[1], "PX", tonumber(ARGV[2]))
end
return 1
`

// releaseJointLua deletes the keys still held under the token.
// KEYS: lock keys
// ARGV[1]: token
// Returns: number of keys deleted.
const releaseJointLua = `
local n = 0
for i = 1, #KEYS do
    if redis.call("GET", KEYS[i]) == ARGV[1] then
        redis.call("DEL", KEYS[i])
        n = n + 1
    end
end
return n
`

var (
	acquireJointScript = goredislib.NewScript(acquireJointLua)
	releaseJointScript = goredislib.NewScript(releaseJointLua)
)
