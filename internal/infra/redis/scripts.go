package redis

import "github.com/redis/go-redis/v9"

// Every conditional write runs as a Lua script: Redis executes a script
// atomically, so the status check and the write are one indivisible step.

// casQuestionState:
//
//	KEYS: state hash, lock set, scored player hash
//	ARGV: expect, expectWinner, status, winner, lockPlayer, stampField, stampValue, scoreDelta, sessionID
//
// Returns the new version, 0 when an expectation failed, -1 for a missing
// state and -2 for a scored player outside the session.
var casQuestionState = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
  return 0
end
if ARGV[2] ~= '' and redis.call('HGET', KEYS[1], 'winner') ~= ARGV[2] then
  return 0
end
if ARGV[3] == 'LOCKED' then
  if ARGV[4] == '' or redis.call('SISMEMBER', KEYS[2], ARGV[4]) == 1 then
    return 0
  end
end
if ARGV[8] ~= '0' and redis.call('HGET', KEYS[3], 'sessionId') ~= ARGV[9] then
  return -2
end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'winner', ARGV[4])
if ARGV[6] ~= '' then
  redis.call('HSET', KEYS[1], ARGV[6], ARGV[7])
end
if ARGV[5] ~= '' then
  redis.call('SADD', KEYS[2], ARGV[5])
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl > 0 then
    redis.call('PEXPIRE', KEYS[2], ttl)
  end
end
if ARGV[8] ~= '0' then
  redis.call('HINCRBY', KEYS[3], 'score', ARGV[8])
end
return redis.call('HINCRBY', KEYS[1], 'version', 1)
`)

// addPlayer:
//
//	KEYS: session hash, names hash, player hash, roster list, token key
//	ARGV: nameKey, playerID, sessionID, name, credentialHash, joinedAt, ttlMillis
//
// Returns 1 on success, 0 for a taken name, -1 outside LOBBY, -2 for a missing session.
var addPlayer = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -2
end
if status ~= 'LOBBY' then
  return -1
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'id', ARGV[2], 'sessionId', ARGV[3], 'name', ARGV[4], 'credential', ARGV[5], 'score', '0', 'connected', '0', 'joinedAt', ARGV[6])
redis.call('RPUSH', KEYS[4], ARGV[2])
redis.call('SET', KEYS[5], ARGV[2])
if ARGV[7] ~= '0' then
  for i = 2, 5 do
    redis.call('PEXPIRE', KEYS[i], ARGV[7])
  end
end
return 1
`)

// updateSessionStatus:
//
//	KEYS: session hash
//	ARGV: to, finishedAt (may be empty), from...
//
// Returns 1 on success, 0 when the status is not in from, -1 for a missing session.
// Pausing records the previous status in pausedFrom; any other move clears it.
var updateSessionStatus = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
for i = 3, #ARGV do
  if status == ARGV[i] then
    if ARGV[1] ~= 'PAUSED' then
      redis.call('HSET', KEYS[1], 'pausedFrom', '')
    elseif status ~= 'PAUSED' then
      redis.call('HSET', KEYS[1], 'pausedFrom', status)
    end
    redis.call('HSET', KEYS[1], 'status', ARGV[1])
    if ARGV[2] ~= '' then
      redis.call('HSET', KEYS[1], 'finishedAt', ARGV[2])
    end
    return 1
  end
end
return 0
`)

// replaceQuestions:
//
//	KEYS: session hash, questions key, new state hashes..., old state hashes and lock sets...
//	ARGV: questions JSON, ttlMillis, number of new state hashes
//
// Returns 1 on success, 0 outside LOBBY, -1 for a missing session.
var replaceQuestions = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status ~= 'LOBBY' then
  return 0
end
local n = tonumber(ARGV[3])
for i = 3 + n, #KEYS do
  redis.call('DEL', KEYS[i])
end
redis.call('SET', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'index', 0)
for i = 3, 2 + n do
  redis.call('HSET', KEYS[i], 'status', 'IDLE', 'winner', '', 'version', 0)
end
if ARGV[2] ~= '0' then
  for i = 2, 2 + n do
    redis.call('PEXPIRE', KEYS[i], ARGV[2])
  end
end
return 1
`)

// advanceQuestion:
//
//	KEYS: session hash
//	ARGV: from, to, questionCount
var advanceQuestion = redis.NewScript(`
local idx = redis.call('HGET', KEYS[1], 'index')
if not idx then
  return -1
end
local to = tonumber(ARGV[2])
if tonumber(idx) ~= tonumber(ARGV[1]) or to < 0 or to >= tonumber(ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[1], 'index', ARGV[2])
return 1
`)
