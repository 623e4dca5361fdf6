package basket

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Item is one entry in the healthy grocery basket. Prices outside
// [MinPrice, MaxPrice] are treated as bad matches and rejected;
// Fallback is the price used when no valid match is found.
type Item struct {
	Name     string  `yaml:"name"`
	Query    string  `yaml:"query"`
	MinPrice float64 `yaml:"min_price"`
	MaxPrice float64 `yaml:"max_price"`
	Fallback float64 `yaml:"fallback"`
}

type itemsFile struct {
	Items []Item `yaml:"items"`
}

// DefaultItems is the standard 8-item SNAP-eligible basket.
func DefaultItems() []Item {
	return []Item{
		{Name: "Brown Rice (2 lb bag)", Query: "brown rice 2 lb bag", MinPrice: 2.00, MaxPrice: 8.00, Fallback: 2.49},
		{Name: "Whole Wheat Bread (20 oz loaf)", Query: "whole wheat bread 20 oz", MinPrice: 1.00, MaxPrice: 6.00, Fallback: 2.98},
		{Name: "Low-Fat Milk (1 gallon)", Query: "low fat milk 1 gallon", MinPrice: 2.00, MaxPrice: 6.00, Fallback: 3.78},
		{Name: "Boneless Skinless Chicken Breast (per lb)", Query: "boneless skinless chicken breast per lb", MinPrice: 2.00, MaxPrice: 8.00, Fallback: 6.98},
		{Name: "Eggs (1 dozen, large)", Query: "large eggs 1 dozen", MinPrice: 1.00, MaxPrice: 5.00, Fallback: 2.58},
		{Name: "Apples (3 lb bag)", Query: "apples 3 lb bag", MinPrice: 3.00, MaxPrice: 10.00, Fallback: 4.98},
		{Name: "Fresh Broccoli (1 lb)", Query: "fresh broccoli 1 lb", MinPrice: 1.00, MaxPrice: 5.00, Fallback: 2.48},
		{Name: "Dry Black Beans (1 lb bag)", Query: "black beans 1 lb dry", MinPrice: 1.00, MaxPrice: 4.00, Fallback: 1.78},
	}
}

// LoadItems reads the basket definition from a yaml file, falling
// back to the default basket when the file does not exist.
func LoadItems(path string) ([]Item, error) {
	if path == "" {
		return DefaultItems(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultItems(), nil
		}
		return nil, eris.Wrapf(err, "basket: read %s", path)
	}

	var f itemsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "basket: parse %s", path)
	}
	if len(f.Items) == 0 {
		return nil, eris.Errorf("basket: %s defines no items", path)
	}
	for i, it := range f.Items {
		if it.Name == "" || it.MaxPrice <= 0 {
			return nil, eris.Errorf("basket: %s item %d is malformed", path, i)
		}
	}
	return f.Items, nil
}
