package vault

// Labels bind a ciphertext to the record and field that owns it.

func UserKeyLabel(userID string) string  { return "user:" + userID + ":key" }
func UserSeedLabel(userID string) string { return "user:" + userID + ":seed" }
func DealKeyLabel(dealID string) string  { return "deal:" + dealID + ":key" }
func DealSeedLabel(dealID string) string { return "deal:" + dealID + ":seed" }
