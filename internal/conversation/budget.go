package conversation

// Budget, tek bir istekte dil modeline gönderilebilecek bağlam sınırıdır.
type Budget struct {
	MaxTokens           int `json:"maxTokens"`
	ReservedForResponse int `json:"reservedForResponse"`
}

// Available, prompt için kullanılabilecek token sayısıdır.
func (b Budget) Available() int {
	if n := b.MaxTokens - b.ReservedForResponse; n > 0 {
		return n
	}
	return 0
}

// Prompt, BuildPrompt'un sonucudur.
type Prompt struct {
	Turns  []Turn `json:"turns"`
	Tokens int    `json:"tokens"`
	// Overflow, zorunlu turlar (sistem talimatı ve en son kullanıcı turu)
	// tek başına bütçeyi aştığında true olur. Bu durumda tur kırpılmadan
	// gönderilir ve karar çağırana bırakılır.
	Overflow bool `json:"overflow"`
	Dropped  int  `json:"dropped"`
}

// Truncate, system talimatını ve turns içinden bütçeye sığan en uzun
// kesintisiz son kısmı döner. Sistem rolündeki turlar ve en son kullanıcı
// turu hiçbir zaman atılmaz; atılan her zaman en eski sistem dışı turlardır.
// Sonuç yalnızca girdilere bağlıdır.
func Truncate(system string, turns []Turn, b Budget, est Estimator) Prompt {
	if est == nil {
		est = ApproxTokens
	}
	available := b.Available()

	var systemTurn *Turn
	used := 0
	if system != "" {
		systemTurn = &Turn{Role: RoleSystem, Text: system}
		used += est(*systemTurn)
	}

	lastUser := -1
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			lastUser = i
			break
		}
	}

	keep := make([]bool, len(turns))
	for i, t := range turns {
		if t.Role == RoleSystem {
			keep[i] = true
			used += est(t)
		}
	}
	if lastUser >= 0 {
		keep[lastUser] = true
		used += est(turns[lastUser])
	}

	for i := len(turns) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		cost := est(turns[i])
		if used+cost > available {
			break
		}
		keep[i] = true
		used += cost
	}

	p := Prompt{Tokens: used, Overflow: used > available}
	p.Turns = make([]Turn, 0, len(turns)+1)
	if systemTurn != nil {
		p.Turns = append(p.Turns, *systemTurn)
	}
	for i, t := range turns {
		if keep[i] {
			p.Turns = append(p.Turns, t)
		} else {
			p.Dropped++
		}
	}
	return p
}
