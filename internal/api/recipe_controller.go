package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"patisserie/server/internal/models"
	"patisserie/server/internal/services"
)

// RecipeController управляет API endpoints для рецептов
type RecipeController struct {
	recipeService *services.RecipeService
	costService   *services.RecipeCostService
}

// NewRecipeController создает новый контроллер рецептов
func NewRecipeController(recipeService *services.RecipeService, costService *services.RecipeCostService) *RecipeController {
	return &RecipeController{
		recipeService: recipeService,
		costService:   costService,
	}
}

// recipeRequest - тело запроса создания/обновления
type recipeRequest struct {
	models.Recipe
	ChangedBy    string `json:"changed_by"`
	ChangeReason string `json:"change_reason"`
}

// GetRecipes возвращает список всех рецептов
// GET /api/v1/recipes?include_inactive=false
func (rc *RecipeController) GetRecipes(c *gin.Context) {
	includeInactive := c.DefaultQuery("include_inactive", "false") == "true"

	recipes, err := rc.recipeService.GetRecipes(c.Request.Context(), includeInactive)
	if err != nil {
		respondError(c, "Ошибка получения рецептов", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recipes": recipes,
		"count":   len(recipes),
	})
}

// GetRecipe возвращает рецепт по ID
// GET /api/v1/recipes/:id
func (rc *RecipeController) GetRecipe(c *gin.Context) {
	recipe, err := rc.recipeService.GetRecipe(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Рецепт не найден", err)
		return
	}
	c.JSON(http.StatusOK, recipe)
}

// CreateRecipe создает новый рецепт
// POST /api/v1/recipes
func (rc *RecipeController) CreateRecipe(c *gin.Context) {
	var req recipeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	recipe := req.Recipe
	if err := rc.recipeService.CreateRecipe(c.Request.Context(), &recipe, req.ChangedBy); err != nil {
		respondError(c, "Ошибка создания рецепта", err)
		return
	}
	c.JSON(http.StatusCreated, recipe)
}

// UpdateRecipe обновляет существующий рецепт (новая версия)
// PUT /api/v1/recipes/:id
func (rc *RecipeController) UpdateRecipe(c *gin.Context) {
	var req recipeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	recipe := req.Recipe
	if err := rc.recipeService.UpdateRecipe(c.Request.Context(), c.Param("id"), &recipe, req.ChangedBy, req.ChangeReason); err != nil {
		respondError(c, "Ошибка обновления рецепта", err)
		return
	}
	c.JSON(http.StatusOK, recipe)
}

// DeleteRecipe удаляет рецепт (soft delete)
// DELETE /api/v1/recipes/:id
func (rc *RecipeController) DeleteRecipe(c *gin.Context) {
	if err := rc.recipeService.DeleteRecipe(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "Ошибка удаления рецепта", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Рецепт удален"})
}

// GetRecipeCost возвращает разбор себестоимости по ингредиентам
// GET /api/v1/recipes/:id/cost
func (rc *RecipeController) GetRecipeCost(c *gin.Context) {
	cost, err := rc.costService.Breakdown(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Ошибка расчета себестоимости", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"policy": rc.costService.Policy(),
		"cost":   cost,
	})
}

// GetRecipeVersions возвращает историю версий
// GET /api/v1/recipes/:id/versions
func (rc *RecipeController) GetRecipeVersions(c *gin.Context) {
	versions, err := rc.recipeService.GetRecipeVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Ошибка получения версий рецепта", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"versions": versions,
		"count":    len(versions),
	})
}

// RefreshSnapshot пересчитывает стандартную себестоимость по текущим ценам
// POST /api/v1/recipes/:id/refresh-cost
func (rc *RecipeController) RefreshSnapshot(c *gin.Context) {
	recipe, err := rc.recipeService.RefreshSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Ошибка пересчета себестоимости", err)
		return
	}
	c.JSON(http.StatusOK, recipe)
}
