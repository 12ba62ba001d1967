package store

func sampleItems() []*Item {
	return []*Item{
		{
			ID: "r1", Kind: KindRecipe, Title: "김치찌개",
			Content: "돼지고기와 김치로 끓인 저탄수 찌개",
			Tags:    []string{"korean", "stew"},
			Payload: Payload{"net_carbs_g": 6.0, "servings": 2.0},
		},
		{
			ID: "r2", Kind: KindRecipe, Title: "keto cauliflower rice",
			Content: "cauliflower pulsed into rice with butter and garlic",
			Tags:    []string{"side"},
			Payload: Payload{"net_carbs_g": 3.0},
		},
		{
			ID: "r3", Kind: KindRecipe, Title: "버터 스테이크",
			Content: "버터에 구운 소고기 스테이크와 아스파라거스",
			Payload: Payload{"net_carbs_g": 2.0},
		},
		{
			ID: "m1", Kind: KindRestaurant, Title: "Bulgogi Bowl (no rice)",
			Content: "grilled beef bulgogi over lettuce, kimchi on the side",
			Payload: Payload{"restaurant": "Seoul Kitchen", "address": "12 Main St"},
		},
	}
}
