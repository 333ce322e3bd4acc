package redis

const (
	// deleteManyScript removes every key passed in KEYS in one atomic step
	deleteManyScript = `
local removed = 0
for i = 1, #KEYS do
  removed = removed + redis.call('DEL', KEYS[i])
end
return removed
`
)
