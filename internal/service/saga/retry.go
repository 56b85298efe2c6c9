package saga

import "time"

// backoffDelay возвращает экспоненциальную задержку перед повтором attempt
// (нумерация с 1), ограниченную max. Джиттер здесь не добавляется: сетевым
// джиттером занимается адаптер провайдера, а повторы шагов и так разнесены
// длительностью самих вызовов.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if max > 0 && delay >= max {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
